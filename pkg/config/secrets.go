package config

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"golang.org/x/crypto/scrypt"

	"codeforge/pkg/logx"
)

// StateDirName is the per-project directory that holds the secrets file.
const StateDirName = ".codeforge"

const (
	secretsFileName = "secrets.enc"
	saltLen         = 16
	keyLen          = 32
	scryptCost      = 1 << 15
)

// secretsMagic prefixes every secrets file and is bound as additional data.
var secretsMagic = []byte("CFS1")

// ErrSecretsPassword is returned when a secrets file cannot be opened with the
// given password.
var ErrSecretsPassword = errors.New("wrong password or corrupted secrets file")

// vault holds decrypted secrets for the process.
type vault struct {
	mu      sync.RWMutex
	entries map[string]string
}

//nolint:gochecknoglobals // process-wide secrets
var secrets vault

// SetDecryptedSecrets replaces the in-memory secrets. nil clears them.
func SetDecryptedSecrets(m map[string]string) {
	secrets.mu.Lock()
	defer secrets.mu.Unlock()
	secrets.entries = maps.Clone(m)
}

// GetSecret looks name up in the decrypted secrets, then the environment.
func GetSecret(name string) (string, error) {
	secrets.mu.RLock()
	v := secrets.entries[name]
	secrets.mu.RUnlock()
	if v != "" {
		return v, nil
	}
	if v := os.Getenv(name); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("secret %s is not set in the secrets file or environment", name)
}

// GetDecryptedSecretNames returns the names of the in-memory secrets, sorted.
func GetDecryptedSecretNames() []string {
	secrets.mu.RLock()
	defer secrets.mu.RUnlock()
	return slices.Sorted(maps.Keys(secrets.entries))
}

// SetSecret stores one secret in memory.
func SetSecret(name, value string) error {
	if name == "" {
		return errors.New("secret name is empty")
	}
	secrets.mu.Lock()
	defer secrets.mu.Unlock()
	if secrets.entries == nil {
		secrets.entries = map[string]string{}
	}
	secrets.entries[name] = value
	return nil
}

// DeleteSecret removes one secret from memory.
func DeleteSecret(name string) error {
	secrets.mu.Lock()
	defer secrets.mu.Unlock()
	delete(secrets.entries, name)
	return nil
}

// SaveSecretsToFile writes the in-memory secrets to the encrypted file.
func SaveSecretsToFile(baseDir, password string) error {
	secrets.mu.RLock()
	snapshot := maps.Clone(secrets.entries)
	secrets.mu.RUnlock()
	if snapshot == nil {
		snapshot = map[string]string{}
	}
	return EncryptSecretsFile(baseDir, password, snapshot)
}

// SecretsFilePath returns <baseDir>/.codeforge/secrets.enc.
func SecretsFilePath(baseDir string) string {
	return filepath.Join(baseDir, StateDirName, secretsFileName)
}

// SecretsFileExists reports whether baseDir has a secrets file.
func SecretsFileExists(baseDir string) bool {
	_, err := os.Stat(SecretsFilePath(baseDir))
	return err == nil
}

// newAEAD derives an AES-256-GCM cipher from password and salt.
func newAEAD(password string, salt []byte) (cipher.AEAD, error) {
	pw := []byte(password)
	key, err := scrypt.Key(pw, salt, scryptCost, 8, 1, keyLen)
	clear(pw)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// EncryptSecretsFile writes m to the secrets file with mode 0600.
// Layout: magic | salt | nonce | sealed JSON.
func EncryptSecretsFile(baseDir, password string, m map[string]string) error {
	plaintext, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode secrets: %w", err)
	}
	defer clear(plaintext)

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	aead, err := newAEAD(password, salt)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(secretsMagic)
	buf.Write(salt)
	buf.Write(nonce)
	buf.Write(aead.Seal(nil, nonce, plaintext, secretsMagic))

	path := SecretsFilePath(baseDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create %s: %w", StateDirName, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write secrets file: %w", err)
	}
	return os.Rename(tmp, path)
}

// DecryptSecretsFile reads and decrypts the secrets file under baseDir.
func DecryptSecretsFile(baseDir, password string) (map[string]string, error) {
	path := SecretsFilePath(baseDir)
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		logx.Warnf("secrets file %s has mode %04o, tightening to 0600", path, perm)
		if err := os.Chmod(path, 0o600); err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(data, secretsMagic) || len(data) < len(secretsMagic)+saltLen {
		return nil, fmt.Errorf("%s is not a codeforge secrets file", path)
	}
	data = data[len(secretsMagic):]
	aead, err := newAEAD(password, data[:saltLen])
	if err != nil {
		return nil, err
	}
	data = data[saltLen:]
	if len(data) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrSecretsPassword
	}
	plaintext, err := aead.Open(nil, data[:aead.NonceSize()], data[aead.NonceSize():], secretsMagic)
	if err != nil {
		return nil, ErrSecretsPassword
	}
	defer clear(plaintext)

	var m map[string]string
	if err := json.Unmarshal(plaintext, &m); err != nil {
		return nil, fmt.Errorf("failed to decode secrets: %w", err)
	}
	return m, nil
}
