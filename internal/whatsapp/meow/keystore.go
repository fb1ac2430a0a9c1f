package meow

import (
	"bytes"
	"context"
	"fmt"

	"github.com/zulandar/whatsdesk/internal/credstore"
	"go.mau.fi/whatsmeow/store"
)

// Key types the device's identity and sender-key stores write through to.
const (
	KeyTypeIdentity  = "identity"
	KeyTypeSenderKey = "sender-key"
)

// KeyStore is the per-session key storage the device stores write
// through to. *credstore.Store satisfies it.
type KeyStore interface {
	GetKeys(ctx context.Context, sessionID, keyType string, ids []string) (map[string][]byte, error)
	SetKeys(ctx context.Context, sessionID string, batch credstore.KeyBatch) error
	DeleteKeysWithPrefix(ctx context.Context, sessionID, keyType, prefix string) error
}

var (
	_ store.IdentityStore  = (*identityStore)(nil)
	_ store.SenderKeyStore = (*senderKeyStore)(nil)
)

// identityStore keeps peer identity keys, addressed "user:device", in the
// session's key rows.
type identityStore struct {
	keys      KeyStore
	sessionID string
}

func (s *identityStore) PutIdentity(ctx context.Context, address string, key [32]byte) error {
	return s.keys.SetKeys(ctx, s.sessionID, credstore.KeyBatch{
		KeyTypeIdentity: {address: key[:]},
	})
}

func (s *identityStore) DeleteAllIdentities(ctx context.Context, phone string) error {
	return s.keys.DeleteKeysWithPrefix(ctx, s.sessionID, KeyTypeIdentity, phone+":")
}

func (s *identityStore) DeleteIdentity(ctx context.Context, address string) error {
	return s.keys.SetKeys(ctx, s.sessionID, credstore.KeyBatch{
		KeyTypeIdentity: {address: nil},
	})
}

// IsTrustedIdentity trusts the first key seen for an address.
func (s *identityStore) IsTrustedIdentity(ctx context.Context, address string, key [32]byte) (bool, error) {
	got, err := s.keys.GetKeys(ctx, s.sessionID, KeyTypeIdentity, []string{address})
	if err != nil {
		return false, err
	}
	stored, ok := got[address]
	if !ok {
		return true, nil
	}
	if len(stored) != 32 {
		return false, fmt.Errorf("meow: identity %s: stored key has %d bytes", address, len(stored))
	}
	return bytes.Equal(stored, key[:]), nil
}

// senderKeyStore keeps group sender keys keyed by group and sender.
type senderKeyStore struct {
	keys      KeyStore
	sessionID string
}

func senderKeyID(group, user string) string {
	return group + "/" + user
}

func (s *senderKeyStore) PutSenderKey(ctx context.Context, group, user string, session []byte) error {
	return s.keys.SetKeys(ctx, s.sessionID, credstore.KeyBatch{
		KeyTypeSenderKey: {senderKeyID(group, user): session},
	})
}

func (s *senderKeyStore) GetSenderKey(ctx context.Context, group, user string) ([]byte, error) {
	id := senderKeyID(group, user)
	got, err := s.keys.GetKeys(ctx, s.sessionID, KeyTypeSenderKey, []string{id})
	if err != nil {
		return nil, err
	}
	return got[id], nil
}

// useKeyStore points the device's identity and sender-key stores at keys.
func useKeyStore(dev *store.Device, keys KeyStore, sessionID string) {
	dev.Identities = &identityStore{keys: keys, sessionID: sessionID}
	dev.SenderKeys = &senderKeyStore{keys: keys, sessionID: sessionID}
}
