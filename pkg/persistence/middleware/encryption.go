package middleware

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/aretw0/waypoint/pkg/domain"
	"github.com/aretw0/waypoint/pkg/ports"
)

// EncryptedType tags payloads sealed by the encryption middleware.
const EncryptedType = "aes-gcm"

// ErrNotEncrypted is returned when a stored payload was written without encryption.
var ErrNotEncrypted = errors.New("payload is not encrypted")

// EncryptionConfig holds the keys for encryption and decryption.
type EncryptionConfig struct {
	// ActiveKey is the key used for encrypting new data.
	// Must be 32 bytes for AES-256.
	ActiveKey []byte

	// FallbackKeys is a list of old keys to try when decryption fails.
	// This enables zero-downtime key rotation.
	FallbackKeys [][]byte
}

// ParseKey decodes a base64 AES-256 key.
func ParseKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

type encryptionMiddleware struct {
	next   ports.Store
	config EncryptionConfig
}

// NewEncryptionMiddleware creates a middleware that seals checkpoint payloads
// and write values with AES-GCM. Metadata and keys stay in the clear so
// stores can still index and filter them.
func NewEncryptionMiddleware(config EncryptionConfig) Middleware {
	if len(config.ActiveKey) != 32 {
		panic("active key must be 32 bytes (AES-256)")
	}
	return func(next ports.Store) ports.Store {
		return &encryptionMiddleware{
			next:   next,
			config: config,
		}
	}
}

func (m *encryptionMiddleware) Setup(ctx context.Context) error {
	return m.next.Setup(ctx)
}

func (m *encryptionMiddleware) GetLatest(ctx context.Context, key domain.CheckpointKey) (*domain.CheckpointTuple, error) {
	t, err := m.next.GetLatest(ctx, key)
	if err != nil || t == nil {
		return t, err
	}
	return m.openTuple(t)
}

func (m *encryptionMiddleware) List(ctx context.Context, opts domain.ListOptions) iter.Seq2[*domain.CheckpointTuple, error] {
	return func(yield func(*domain.CheckpointTuple, error) bool) {
		for t, err := range m.next.List(ctx, opts) {
			if err == nil {
				t, err = m.openTuple(t)
			}
			if !yield(t, err) {
				return
			}
		}
	}
}

func (m *encryptionMiddleware) Put(ctx context.Context, parent domain.CheckpointKey, cp domain.Checkpoint, meta domain.Metadata, versions domain.ChannelVersions) (domain.CheckpointKey, error) {
	sealed, err := m.seal(cp.Payload)
	if err != nil {
		return domain.CheckpointKey{}, fmt.Errorf("failed to encrypt checkpoint: %w", err)
	}
	cp.Payload = sealed
	return m.next.Put(ctx, parent, cp, meta, versions)
}

func (m *encryptionMiddleware) PutWrites(ctx context.Context, key domain.CheckpointKey, writes []domain.ChannelWrite, taskID, taskPath string) error {
	sealed := make([]domain.ChannelWrite, len(writes))
	for i, w := range writes {
		v, err := m.seal(w.Value)
		if err != nil {
			return fmt.Errorf("failed to encrypt write %s: %w", w.Channel, err)
		}
		sealed[i] = domain.ChannelWrite{Channel: w.Channel, Value: v}
	}
	return m.next.PutWrites(ctx, key, sealed, taskID, taskPath)
}

func (m *encryptionMiddleware) ListWrites(ctx context.Context, q domain.WriteQuery) ([]domain.WriteRecord, error) {
	records, err := m.next.ListWrites(ctx, q)
	if err != nil {
		return nil, err
	}
	for i := range records {
		v, err := m.open(records[i].Value)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt write %s: %w", records[i].TaskID, err)
		}
		records[i].Value = v
	}
	return records, nil
}

func (m *encryptionMiddleware) DeleteThread(ctx context.Context, userID, threadID string) error {
	return m.next.DeleteThread(ctx, userID, threadID)
}

func (m *encryptionMiddleware) Close(ctx context.Context) error {
	return m.next.Close(ctx)
}

func (m *encryptionMiddleware) openTuple(t *domain.CheckpointTuple) (*domain.CheckpointTuple, error) {
	out := *t
	p, err := m.open(t.Checkpoint.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt checkpoint %s: %w", t.Key.CheckpointID, err)
	}
	out.Checkpoint.Payload = p
	if len(t.PendingWrites) > 0 {
		out.PendingWrites = make([]domain.PendingWrite, len(t.PendingWrites))
		for i, w := range t.PendingWrites {
			if w.Value, err = m.open(w.Value); err != nil {
				return nil, fmt.Errorf("failed to decrypt write %s: %w", w.TaskID, err)
			}
			out.PendingWrites[i] = w
		}
	}
	return &out, nil
}

// seal frames "type NUL data" and encrypts it. Empty payloads pass through.
func (m *encryptionMiddleware) seal(p domain.Payload) (domain.Payload, error) {
	if p.IsZero() {
		return p, nil
	}
	plain := make([]byte, 0, len(p.Type)+1+len(p.Data))
	plain = append(plain, p.Type...)
	plain = append(plain, 0)
	plain = append(plain, p.Data...)
	ciphertext, err := encrypt(plain, m.config.ActiveKey)
	if err != nil {
		return domain.Payload{}, err
	}
	return domain.Payload{Type: EncryptedType, Data: ciphertext}, nil
}

func (m *encryptionMiddleware) open(p domain.Payload) (domain.Payload, error) {
	if p.IsZero() {
		return p, nil
	}
	if p.Type != EncryptedType {
		return domain.Payload{}, ErrNotEncrypted
	}
	plain, err := decryptWithRotation(p.Data, m.config.ActiveKey, m.config.FallbackKeys)
	if err != nil {
		return domain.Payload{}, err
	}
	typ, data, ok := bytes.Cut(plain, []byte{0})
	if !ok {
		return domain.Payload{}, errors.New("malformed encrypted payload")
	}
	return domain.Payload{Type: string(typ), Data: data}, nil
}

// Helpers

func encrypt(plaintext []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decryptWithRotation(ciphertext []byte, activeKey []byte, fallbackKeys [][]byte) ([]byte, error) {
	if plain, err := decrypt(ciphertext, activeKey); err == nil {
		return plain, nil
	}

	for _, key := range fallbackKeys {
		if plain, err := decrypt(ciphertext, key); err == nil {
			return plain, nil
		}
	}

	return nil, errors.New("decryption failed with all available keys")
}

func decrypt(ciphertext []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}

	nonce := ciphertext[:gcm.NonceSize()]
	ciphertextBytes := ciphertext[gcm.NonceSize():]

	return gcm.Open(nil, nonce, ciphertextBytes, nil)
}
