package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Purposes for keys derived from the application secret.
const (
	KeyTicketVerification = "ticket-verification"
	KeyManualPayments     = "manual-payment-callback"
)

// DeriveKey expands the application secret into a 32 byte key bound to purpose.
func DeriveKey(secret []byte, purpose string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("derive %s key: empty secret", purpose)
	}
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, secret, []byte("cafa-ticket"), []byte(purpose))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", purpose, err)
	}
	return key, nil
}

// Signer produces and checks hex HMAC-SHA256 signatures.
type Signer struct {
	key []byte
}

func NewSigner(key []byte) *Signer { return &Signer{key: key} }

func (s *Signer) Sign(data []byte) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Signer) Verify(data []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(data)
	return hmac.Equal(mac.Sum(nil), want)
}
