// Package crypto provides encrypted API credential storage and HMAC request
// signing for the Bybit V5 REST and private WebSocket APIs.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	// saltLen is the random salt length in bytes.
	saltLen = 16
	// aesKeyLen is the derived AES-256 key length.
	aesKeyLen = 32
	// currentVersion is the keystore JSON schema version.
	currentVersion = 1
)

// keystoreJSON is the on-disk format for encrypted API credentials.
type keystoreJSON struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`       // base64 standard encoding
	Nonce      string `json:"nonce"`      // base64 standard encoding
	Ciphertext string `json:"ciphertext"` // base64 standard encoding
}

// credentialsJSON is the plaintext payload sealed inside the keystore.
type credentialsJSON struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

// CredentialSource carries the information LoadCredentials needs to resolve
// an API key pair. Populate the fields from configuration.
type CredentialSource struct {
	// APIKey and APISecret are plaintext credentials. If both are non-empty,
	// LoadCredentials returns them directly.
	APIKey    string
	APISecret string

	// EncryptedKeyPath is the path to a keystore file produced by
	// EncryptCredentials.
	EncryptedKeyPath string

	// Passphrase decrypts the file at EncryptedKeyPath.
	Passphrase string
}

// EncryptCredentials seals an API key pair with a passphrase using
// PBKDF2-HMAC-SHA256 key derivation and AES-256-GCM authenticated encryption.
// It returns the keystore JSON suitable for writing to disk.
func EncryptCredentials(apiKey, apiSecret, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("crypto: passphrase must not be empty")
	}
	if apiKey == "" || apiSecret == "" {
		return nil, errors.New("crypto: api key and secret must not be empty")
	}

	plaintext, err := json.Marshal(credentialsJSON{APIKey: apiKey, APISecret: apiSecret})
	if err != nil {
		return nil, fmt.Errorf("crypto: encoding credentials: %w", err)
	}

	// Generate random salt and derive the AES key from the passphrase.
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}

	derivedKey := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, aesKeyLen, sha256.New)

	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	out := keystoreJSON{
		Version:    currentVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}

	return json.MarshalIndent(out, "", "  ")
}

// DecryptCredentials opens a keystore blob produced by EncryptCredentials
// and returns the credentials it holds.
func DecryptCredentials(keystore []byte, passphrase string) (*HMACAuth, error) {
	if passphrase == "" {
		return nil, errors.New("crypto: passphrase must not be empty")
	}

	var stored keystoreJSON
	if err := json.Unmarshal(keystore, &stored); err != nil {
		return nil, fmt.Errorf("crypto: parsing keystore JSON: %w", err)
	}
	if stored.Version != currentVersion {
		return nil, fmt.Errorf("crypto: unsupported keystore version %d", stored.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(stored.Nonce)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stored.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}

	derivedKey := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, aesKeyLen, sha256.New)

	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}

	// Open panics on a wrong-length nonce, and this one came from a file.
	if len(nonce) != gcm.NonceSize() {
		return nil, errors.New("crypto: malformed keystore nonce")
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: decryption failed (wrong passphrase?): %w", err)
	}

	var creds credentialsJSON
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, fmt.Errorf("crypto: parsing decrypted credentials: %w", err)
	}
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, errors.New("crypto: keystore holds empty credentials")
	}

	return &HMACAuth{Key: creds.APIKey, Secret: creds.APISecret}, nil
}

// LoadCredentials resolves the API key pair from the provided source.
//
// Resolution order:
//  1. If APIKey and APISecret are both set, return them directly.
//  2. If EncryptedKeyPath is set, read the file and decrypt with Passphrase.
//  3. Otherwise, return an error.
func LoadCredentials(src CredentialSource) (*HMACAuth, error) {
	// 1. Plaintext credentials take precedence.
	if src.APIKey != "" && src.APISecret != "" {
		return &HMACAuth{Key: src.APIKey, Secret: src.APISecret}, nil
	}

	// 2. Encrypted keystore file.
	if src.EncryptedKeyPath != "" {
		data, err := os.ReadFile(src.EncryptedKeyPath)
		if err != nil {
			return nil, fmt.Errorf("crypto: reading keystore file: %w", err)
		}
		return DecryptCredentials(data, src.Passphrase)
	}

	return nil, errors.New("crypto: no credential source configured (set api key/secret or keystore path)")
}
