package meow

import (
	"fmt"
	"strings"

	"github.com/zulandar/whatsdesk/internal/whatsapp"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// connectFailureReason maps a login rejection to a close reason.
func connectFailureReason(r events.ConnectFailureReason) whatsapp.DisconnectReason {
	switch {
	case r.IsLoggedOut():
		return whatsapp.ReasonLoggedOut
	case r == events.ConnectFailureTempBanned, r == events.ConnectFailureClientOutdated:
		return whatsapp.ReasonForbidden
	}
	return whatsapp.DisconnectReason(int(r))
}

// inbound converts a whatsmeow message event.
func inbound(evt *events.Message) whatsapp.InboundMessage {
	info := evt.Info
	return whatsapp.InboundMessage{
		ID:          info.ID,
		From:        info.Sender.ToNonAD().User,
		ReplyTo:     info.Chat.ToNonAD().String(),
		PushName:    info.PushName,
		Text:        extractText(evt.Message),
		IsGroup:     info.IsGroup,
		IsBroadcast: isBroadcast(info.Chat),
		IsFromMe:    info.IsFromMe,
		Timestamp:   info.Timestamp,
	}
}

func isBroadcast(chat types.JID) bool {
	return chat.Server == types.BroadcastServer || chat.Server == types.NewsletterServer
}

// extractText returns the plain text body of a message, or "".
func extractText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if t := msg.GetConversation(); t != "" {
		return t
	}
	if t := msg.GetExtendedTextMessage().GetText(); t != "" {
		return t
	}
	if t := msg.GetImageMessage().GetCaption(); t != "" {
		return t
	}
	return msg.GetVideoMessage().GetCaption()
}

// recipient parses a bare phone number or a full JID.
func recipient(to string) (types.JID, error) {
	if strings.Contains(to, "@") {
		jid, err := types.ParseJID(to)
		if err != nil {
			return types.JID{}, fmt.Errorf("meow: parse jid %q: %w", to, err)
		}
		return jid, nil
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, to)
	if digits == "" {
		return types.JID{}, fmt.Errorf("meow: invalid phone number %q", to)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
