package settlement

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// ErrDecryptFailed возвращается при повреждении или подмене зашифрованного ключа.
var ErrDecryptFailed = errors.New("wallet key decryption failed")

// Cipher шифрует и расшифровывает секреты кастодиальных кошельков.
// Используется AES-256-GCM со случайным nonce на каждую запись.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher создаёт шифратор из hex-представления 32-байтового ключа.
func NewCipher(hexKey string) (*Cipher, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("wallet key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// Encrypt шифрует plaintext. Результат содержит nonce, шифртекст и тег аутентичности.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt расшифровывает данные, созданные Encrypt. Вызывается только в момент
// подписания расчётной транзакции, не раньше.
func (c *Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < c.aead.NonceSize() {
		return nil, ErrDecryptFailed
	}

	nonce := ciphertext[:c.aead.NonceSize()]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext[c.aead.NonceSize():], nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	return plaintext, nil
}
