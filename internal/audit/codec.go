package audit

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/xela07ax/toolgate/internal/domain"
)

// Codec — подключаемый кодек на границе персистентности:
// encrypt-then-store на записи, fail-closed decrypt-then-read на чтении.
type Codec interface {
	Encode(plain []byte) ([]byte, error)
	Decode(blob []byte) ([]byte, error)
}

// PlainCodec — шифрование выключено, записи хранятся как есть.
type PlainCodec struct{}

func (PlainCodec) Encode(plain []byte) ([]byte, error) { return plain, nil }
func (PlainCodec) Decode(blob []byte) ([]byte, error)  { return blob, nil }

// AEADCodec оборачивает каждую запись в XChaCha20-Poly1305.
// Формат blob-а: nonce || ciphertext.
type AEADCodec struct {
	aead cipher.AEAD
}

// NewAEADCodec принимает 32-байтовый ключ.
func NewAEADCodec(key []byte) (*AEADCodec, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, &domain.CryptoError{Op: "codec.init", Err: err}
	}
	return &AEADCodec{aead: aead}, nil
}

func (c *AEADCodec) Encode(plain []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, &domain.CryptoError{Op: "codec.encode", Err: err}
	}
	return c.aead.Seal(nonce, nonce, plain, nil), nil
}

// Decode отказывает при неверном ключе или битом blob-е:
// шифротекст наружу не отдается.
func (c *AEADCodec) Decode(blob []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(blob) < ns {
		return nil, &domain.CryptoError{Op: "codec.decode", Err: fmt.Errorf("blob shorter than nonce")}
	}
	plain, err := c.aead.Open(nil, blob[:ns], blob[ns:], nil)
	if err != nil {
		return nil, &domain.CryptoError{Op: "codec.decode", Err: err}
	}
	return plain, nil
}
