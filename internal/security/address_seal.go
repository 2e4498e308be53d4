package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

const (
	addressEncryptionKeyEnv = "ADDRESS_ENCRYPTION_KEY"
	SealedPrefix            = "enc:"
)

var ErrKeyNotConfigured = errors.New("address encryption key not set: " + addressEncryptionKeyEnv)

var (
	addressCipherOnce sync.Once
	addressCipherInst *addressCipher
	addressCipherErr  error
)

type addressCipher struct {
	gcm cipher.AEAD
}

func getAddressCipher() (*addressCipher, error) {
	addressCipherOnce.Do(func() {
		rawKey := strings.TrimSpace(os.Getenv(addressEncryptionKeyEnv))
		if rawKey == "" {
			addressCipherErr = ErrKeyNotConfigured
			return
		}

		block, err := aes.NewCipher(deriveKey(rawKey))
		if err != nil {
			addressCipherErr = fmt.Errorf("create cipher: %w", err)
			return
		}

		gcm, err := cipher.NewGCM(block)
		if err != nil {
			addressCipherErr = fmt.Errorf("create gcm: %w", err)
			return
		}

		addressCipherInst = &addressCipher{gcm: gcm}
	})

	return addressCipherInst, addressCipherErr
}

// deriveKey accepts a base64 AES key of 16, 24 or 32 bytes; anything else is
// hashed down to 32 bytes.
func deriveKey(raw string) []byte {
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
		switch len(decoded) {
		case 16, 24, 32:
			return decoded
		}
		sum := sha256.Sum256(decoded)
		return sum[:]
	}

	sum := sha256.Sum256([]byte(raw))
	return sum[:]
}

// SealingEnabled reports whether requester addresses are encrypted at rest.
func SealingEnabled() bool {
	_, err := getAddressCipher()
	return err == nil
}

// SealAddress encrypts a requester address for storage. Without a configured
// key the address is returned unchanged.
func SealAddress(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}

	ac, err := getAddressCipher()
	if errors.Is(err, ErrKeyNotConfigured) {
		return plain, nil
	}
	if err != nil {
		return "", err
	}

	nonce := make([]byte, ac.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	payload := ac.gcm.Seal(nonce, nonce, []byte(plain), nil)
	return SealedPrefix + base64.StdEncoding.EncodeToString(payload), nil
}

// OpenAddress reverses SealAddress. Values stored before sealing was enabled
// are returned as-is with sealed=false.
func OpenAddress(value string) (plain string, sealed bool, err error) {
	if !IsSealed(value) {
		return value, false, nil
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, SealedPrefix))
	if err != nil {
		return "", true, fmt.Errorf("decode ciphertext: %w", err)
	}

	ac, err := getAddressCipher()
	if err != nil {
		return "", true, err
	}

	nonceSize := ac.gcm.NonceSize()
	if len(data) <= nonceSize {
		return "", true, errors.New("ciphertext too short")
	}

	out, err := ac.gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", true, fmt.Errorf("decrypt ciphertext: %w", err)
	}
	return string(out), true, nil
}

func IsSealed(value string) bool {
	return strings.HasPrefix(value, SealedPrefix)
}

func ResetAddressCipherForTests() {
	addressCipherOnce = sync.Once{}
	addressCipherInst = nil
	addressCipherErr = nil
}
