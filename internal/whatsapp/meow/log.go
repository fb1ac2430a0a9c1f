package meow

import (
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
)

// zapLog adapts a zap logger to whatsmeow's logging interface.
type zapLog struct {
	s *zap.SugaredLogger
}

// NewLogger returns a whatsmeow logger writing through l.
func NewLogger(l *zap.Logger) waLog.Logger {
	return zapLog{s: l.Sugar()}
}

func (l zapLog) Debugf(msg string, args ...interface{}) { l.s.Debugf(msg, args...) }
func (l zapLog) Infof(msg string, args ...interface{})  { l.s.Infof(msg, args...) }
func (l zapLog) Warnf(msg string, args ...interface{})  { l.s.Warnf(msg, args...) }
func (l zapLog) Errorf(msg string, args ...interface{}) { l.s.Errorf(msg, args...) }

func (l zapLog) Sub(module string) waLog.Logger {
	return zapLog{s: l.s.Named(module)}
}
