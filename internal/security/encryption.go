// Package security holds the field-level encryption applied to task documents
// at rest and the sanitizer applied to user-supplied text before it reaches
// the decision oracle.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// ---------------------------------------------------------------------------
// Field encryption (AES-256-GCM)
// ---------------------------------------------------------------------------

// Encryptor encrypts sensitive values with AES-256-GCM. The key is derived
// via SHA-256 from a passphrase. Safe for concurrent use.
type Encryptor struct {
	aead   cipher.AEAD
	prefix string
}

const encryptedPrefix = "enc:v1:"

// NewEncryptor creates an Encryptor from a passphrase of at least 8 characters.
func NewEncryptor(passphrase string) (*Encryptor, error) {
	if len(passphrase) < 8 {
		return nil, fmt.Errorf("passphrase must be at least 8 characters")
	}

	hash := sha256.Sum256([]byte(passphrase))

	block, err := aes.NewCipher(hash[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Encryptor{aead: aead, prefix: encryptedPrefix}, nil
}

// Encrypt returns a base64 ciphertext prefixed with "enc:v1:".
func (e *Encryptor) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, plaintext, nil)
	return e.prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Values without the prefix are returned as-is so
// documents written before encryption was enabled stay readable.
func (e *Encryptor) Decrypt(value string) ([]byte, error) {
	if !e.IsEncrypted(value) {
		return []byte(value), nil
	}

	data, err := base64.StdEncoding.DecodeString(value[len(e.prefix):])
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	plaintext, err := e.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// IsEncrypted checks if a value has the encryption prefix.
func (e *Encryptor) IsEncrypted(value string) bool {
	return strings.HasPrefix(value, e.prefix)
}

// ---------------------------------------------------------------------------
// Task document fields
// ---------------------------------------------------------------------------

// SensitiveFields are the top-level task document keys stored encrypted. The
// context store lives inside orchestrator_state and is covered by it.
var SensitiveFields = []string{
	"plan",
	"runs",
	"orchestrator_state",
	"dynamic_plan",
	"execution_log",
	"clarification_requests",
	"swarm_details",
}

// SealFields replaces every sensitive key of doc with a JSON string holding
// its encrypted value. Each field is sealed as one blob, so the document must
// always be written whole. A nil Encryptor leaves doc untouched.
func (e *Encryptor) SealFields(doc map[string]json.RawMessage) error {
	if e == nil {
		return nil
	}
	for _, key := range SensitiveFields {
		raw, ok := doc[key]
		if !ok || isNull(raw) {
			continue
		}
		ct, err := e.Encrypt(raw)
		if err != nil {
			return fmt.Errorf("seal %s: %w", key, err)
		}
		sealed, err := json.Marshal(ct)
		if err != nil {
			return fmt.Errorf("seal %s: %w", key, err)
		}
		doc[key] = sealed
	}
	return nil
}

// OpenFields reverses SealFields. Fields that were never sealed pass through.
func (e *Encryptor) OpenFields(doc map[string]json.RawMessage) error {
	for _, key := range SensitiveFields {
		raw, ok := doc[key]
		if !ok || len(raw) == 0 || raw[0] != '"' {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("open %s: %w", key, err)
		}
		if !strings.HasPrefix(s, encryptedPrefix) {
			continue
		}
		if e == nil {
			return fmt.Errorf("open %s: document is encrypted but no key is configured", key)
		}
		plain, err := e.Decrypt(s)
		if err != nil {
			return fmt.Errorf("open %s: %w", key, err)
		}
		doc[key] = plain
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// MaskSecret masks a secret value for display in logs/output.
// Shows first N and last N characters, middle replaced with asterisks.
func MaskSecret(value string, showChars int) string {
	if len(value) <= showChars*2 {
		return strings.Repeat("*", len(value))
	}
	return value[:showChars] + strings.Repeat("*", len(value)-showChars*2) + value[len(value)-showChars:]
}
