package protocol

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// TokenPayload is the plaintext carried by a register_fcm_token frame.
type TokenPayload struct {
	Token    string `json:"token"`
	DeviceID string `json:"deviceId"`
	Platform string `json:"platform"`
}

// EnvelopeHash returns hex(SHA-256(encryptedData)) over the transmitted
// ciphertext string, the integrity check clients send alongside it.
func EnvelopeHash(encryptedData string) string {
	sum := sha256.Sum256([]byte(encryptedData))
	return hex.EncodeToString(sum[:])
}

// VerifyEnvelopeHash compares the claimed hash in constant time.
func VerifyEnvelopeHash(encryptedData, hash string) bool {
	want := EnvelopeHash(encryptedData)
	return subtle.ConstantTimeCompare([]byte(want), []byte(hash)) == 1
}

// OpenTokenEnvelope checks the envelope hash, then decrypts the
// base64(nonce||AES-256-GCM ciphertext) payload under the session's
// hex-encoded 32-byte secret and decodes the token fields.
func OpenTokenEnvelope(secretKeyHex, encryptedData, hash string) (TokenPayload, error) {
	var p TokenPayload
	if !VerifyEnvelopeHash(encryptedData, hash) {
		return p, fmt.Errorf("envelope hash mismatch")
	}
	plaintext, err := decryptEnvelope(secretKeyHex, encryptedData)
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return p, fmt.Errorf("malformed token payload: %w", err)
	}
	if p.Token == "" || p.DeviceID == "" {
		return TokenPayload{}, fmt.Errorf("token payload missing token or deviceId")
	}
	return p, nil
}

// SealTokenEnvelope is the inverse of OpenTokenEnvelope; clients and
// tests build envelopes with it.
func SealTokenEnvelope(secretKeyHex string, p TokenPayload) (encryptedData, hash string, err error) {
	aead, err := newAEAD(secretKeyHex)
	if err != nil {
		return "", "", err
	}
	plaintext, err := json.Marshal(p)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode token payload: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", "", fmt.Errorf("failed to draw nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	encryptedData = base64.StdEncoding.EncodeToString(sealed)
	return encryptedData, EnvelopeHash(encryptedData), nil
}

func decryptEnvelope(secretKeyHex, encryptedData string) ([]byte, error) {
	aead, err := newAEAD(secretKeyHex)
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(encryptedData)
	if err != nil {
		return nil, fmt.Errorf("malformed ciphertext encoding: %w", err)
	}
	if len(raw) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}

func newAEAD(secretKeyHex string) (cipher.AEAD, error) {
	key, err := hex.DecodeString(secretKeyHex)
	if err != nil {
		return nil, fmt.Errorf("malformed session secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("session secret must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
