// Package secrets seals integration credentials and tokens before they are
// persisted.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/solarsync/pkg/log"
	"golang.org/x/crypto/hkdf"
)

const hkdfInfo = "solarsync credentials v1"

// ErrNoKey is returned when sealing or opening without a configured key.
var ErrNoKey = errors.New("no encryption key configured")

// Box encrypts maps with AES-256-GCM. The nonce is prepended to the
// ciphertext.
type Box struct {
	key []byte
}

// New derives the AES key from secret with HKDF-SHA256. An empty secret
// yields a Box that refuses to seal or open.
func New(secret string) (*Box, error) {
	if secret == "" {
		return &Box{}, nil
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return &Box{key: key}, nil
}

// Configured registers the encryption key flag and returns a Box that is
// usable once flags are parsed.
func Configured() *Box {
	b := &Box{}
	secret := lflag.String("credentials-encryption-key", "", "Secret used to derive the key that encrypts stored vendor credentials")
	lflag.Do(func() {
		nb, err := New(*secret)
		if err != nil {
			panic(fmt.Sprintf("error deriving credentials key: %v", err))
		}
		*b = *nb
	})
	return b
}

func (b *Box) gcm(ctx context.Context) (cipher.AEAD, error) {
	if len(b.key) == 0 {
		log.Ctx(ctx).ErrorContext(ctx, "cannot use credentials box: no encryption key configured")
		return nil, ErrNoKey
	}
	block, err := aes.NewCipher(b.key)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to create cipher", slog.Any("error", err))
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to create gcm", slog.Any("error", err))
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return gcm, nil
}

// Seal encrypts m. A nil or empty map seals to nil.
func (b *Box) Seal(ctx context.Context, m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	gcm, err := b.gcm(ctx)
	if err != nil {
		return nil, err
	}
	plaintext, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal secrets: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to generate nonce", slog.Any("error", err))
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts what Seal produced. Empty input opens to an empty map.
func (b *Box) Open(ctx context.Context, sealed []byte) (map[string]string, error) {
	if len(sealed) == 0 {
		return map[string]string{}, nil
	}
	gcm, err := b.gcm(ctx)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		log.Ctx(ctx).ErrorContext(ctx, "malformed sealed secrets", slog.Int("length", len(sealed)))
		return nil, errors.New("malformed sealed secrets")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decrypt secrets", slog.Any("error", err))
		return nil, fmt.Errorf("failed to decrypt secrets: %w", err)
	}
	m := map[string]string{}
	if err := json.Unmarshal(plaintext, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal secrets: %w", err)
	}
	return m, nil
}
