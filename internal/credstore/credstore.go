// Package credstore persists per-session login material: the primary
// identity credentials and auxiliary key material the transport rotates.
package credstore

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/zulandar/whatsdesk/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Reserved key type and id for the primary credentials row.
const (
	credsKeyType = "creds"
	credsKeyID   = "primary"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Creds is the primary identity of a paired device. A zero DeviceJID means
// the session has never completed a QR pairing.
type Creds struct {
	DeviceJID      string `json:"device_jid,omitempty"`
	LID            string `json:"lid,omitempty"`
	PushName       string `json:"push_name,omitempty"`
	Platform       string `json:"platform,omitempty"`
	BusinessName   string `json:"business_name,omitempty"`
	RegistrationID uint32 `json:"registration_id"`
	AdvSecret      []byte `json:"adv_secret"`
}

// Registered reports whether the creds belong to a paired device.
func (c *Creds) Registered() bool {
	return c != nil && c.DeviceJID != ""
}

// KeyBatch is a set of key mutations grouped by key type then key id.
// A nil value deletes the key.
type KeyBatch map[string]map[string][]byte

// Store is the gorm-backed credential store.
type Store struct {
	db *gorm.DB
}

// New creates a Store.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("credstore: db is required")
	}
	return &Store{db: db}, nil
}

// NewCreds returns freshly initialised, unregistered credentials.
func NewCreds() (*Creds, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("credstore: adv secret: %w", err)
	}
	var reg [4]byte
	if _, err := rand.Read(reg[:]); err != nil {
		return nil, fmt.Errorf("credstore: registration id: %w", err)
	}
	// Registration ids are 14-bit values.
	return &Creds{
		RegistrationID: binary.BigEndian.Uint32(reg[:])&0x3fff + 1,
		AdvSecret:      secret,
	}, nil
}

// GetCredentials loads the primary credentials for a session, or returns
// blank credentials when none are stored.
func (s *Store) GetCredentials(ctx context.Context, sessionID string) (*Creds, error) {
	var row models.SessionCredential
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND key_type = ? AND key_id = ?", sessionID, credsKeyType, credsKeyID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NewCreds()
	}
	if err != nil {
		return nil, fmt.Errorf("credstore: get creds %s: %w", sessionID, err)
	}
	var creds Creds
	if err := json.Unmarshal(row.Value, &creds); err != nil {
		return nil, fmt.Errorf("credstore: decode creds %s: %w", sessionID, err)
	}
	return &creds, nil
}

// SaveCreds durably writes the primary credentials for a session.
func (s *Store) SaveCreds(ctx context.Context, sessionID string, creds *Creds) error {
	if creds == nil {
		return fmt.Errorf("credstore: save creds %s: creds are nil", sessionID)
	}
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("credstore: encode creds %s: %w", sessionID, err)
	}
	if err := upsert(s.db.WithContext(ctx), sessionID, credsKeyType, credsKeyID, data); err != nil {
		return fmt.Errorf("credstore: save creds %s: %w", sessionID, err)
	}
	return nil
}

// GetKeys returns the stored values for the given ids of one key type.
// Missing ids are absent from the result.
func (s *Store) GetKeys(ctx context.Context, sessionID, keyType string, ids []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []models.SessionCredential
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND key_type = ? AND key_id IN ?", sessionID, keyType, ids).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("credstore: get keys %s/%s: %w", sessionID, keyType, err)
	}
	for _, r := range rows {
		out[r.KeyID] = r.Value
	}
	return out, nil
}

// SetKeys applies a batch of upserts and deletes in one transaction.
// Deleting a key that does not exist is not an error.
func (s *Store) SetKeys(ctx context.Context, sessionID string, batch KeyBatch) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for keyType, keys := range batch {
			if keyType == credsKeyType {
				return fmt.Errorf("key type %q is reserved", credsKeyType)
			}
			for id, value := range keys {
				if value == nil {
					if err := tx.Where("session_id = ? AND key_type = ? AND key_id = ?", sessionID, keyType, id).
						Delete(&models.SessionCredential{}).Error; err != nil {
						return err
					}
					continue
				}
				if err := upsert(tx, sessionID, keyType, id, value); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("credstore: set keys %s: %w", sessionID, err)
	}
	return nil
}

// DeleteKeysWithPrefix removes every key of one type whose id starts with prefix.
func (s *Store) DeleteKeysWithPrefix(ctx context.Context, sessionID, keyType, prefix string) error {
	if keyType == credsKeyType {
		return fmt.Errorf("credstore: key type %q is reserved", credsKeyType)
	}
	pattern := strings.NewReplacer("!", "!!", "%", "!%", "_", "!_").Replace(prefix) + "%"
	if err := s.db.WithContext(ctx).
		Where("session_id = ? AND key_type = ? AND key_id LIKE ? ESCAPE '!'", sessionID, keyType, pattern).
		Delete(&models.SessionCredential{}).Error; err != nil {
		return fmt.Errorf("credstore: delete keys %s/%s/%s*: %w", sessionID, keyType, prefix, err)
	}
	return nil
}

// Clear removes all credential material for a session.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).
		Delete(&models.SessionCredential{}).Error; err != nil {
		return fmt.Errorf("credstore: clear %s: %w", sessionID, err)
	}
	return nil
}

func upsert(db *gorm.DB, sessionID, keyType, keyID string, value []byte) error {
	row := models.SessionCredential{
		SessionID: sessionID,
		KeyType:   keyType,
		KeyID:     keyID,
		Value:     value,
	}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "key_type"}, {Name: "key_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
}
