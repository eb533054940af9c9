package meshcore

import (
	"crypto/rand"

	"golang.org/x/crypto/chacha20poly1305"
)

// ChaCha20Crypto is a concrete CryptoCore adapter built on
// golang.org/x/crypto/chacha20poly1305. This type exists so the CryptoCore
// contract has something real to run against in tests and in a standalone
// binary, the same way the rest of this package treats Device and
// InnerParser as interfaces with small concrete adapters behind them.
//
// Each sealed message carries its own random nonce appended after the
// AEAD tag, so encrypt and decrypt need no shared counter state; the
// tradeoff is NonceSize() extra bytes per datagram, accounted for in
// Overhead().
type ChaCha20Crypto struct {
	aead cipherAEAD
}

// cipherAEAD is the subset of cipher.AEAD this type uses, so tests can
// substitute a fake.
type cipherAEAD interface {
	NonceSize() int
	Overhead() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// NewChaCha20Crypto builds a CryptoCore from a 32-byte shared key.
func NewChaCha20Crypto(key []byte) (*ChaCha20Crypto, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, newErr(KindCrypto, "init chacha20poly1305", err)
	}
	return &ChaCha20Crypto{aead: aead}, nil
}

// GenerateKey returns a fresh random 32-byte ChaCha20-Poly1305 key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, newErr(KindCrypto, "generate key", err)
	}
	return key, nil
}

// EncryptInto implements CryptoCore. Wire layout after this call:
// buf[:headerLen] header (untouched) || ciphertext || tag || nonce.
func (c *ChaCha20Crypto) EncryptInto(buf []byte, headerLen, payloadLen int) ([]byte, error) {
	plaintext := buf[headerLen : headerLen+payloadLen]
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, newErr(KindCrypto, "generate nonce", err)
	}
	sealed := c.aead.Seal(plaintext[:0], nonce, plaintext, nil)
	total := headerLen + len(sealed) + len(nonce)
	if total > cap(buf) {
		return nil, ErrBufferTooSmall
	}
	buf = buf[:total]
	copy(buf[headerLen+len(sealed):], nonce)
	return buf, nil
}

// DecryptVerify implements CryptoCore: it expects buf to be
// ciphertext || tag || nonce, as produced by EncryptInto.
func (c *ChaCha20Crypto) DecryptVerify(buf []byte) (int, error) {
	nonceSize := c.aead.NonceSize()
	if len(buf) < nonceSize+c.aead.Overhead() {
		return 0, newErr(KindCrypto, "datagram too short to contain nonce and tag", nil)
	}
	split := len(buf) - nonceSize
	nonce := buf[split:]
	ciphertext := buf[:split]
	plain, err := c.aead.Open(ciphertext[:0], nonce, ciphertext, nil)
	if err != nil {
		return 0, newErr(KindCrypto, "aead verify failed", err)
	}
	return len(plain), nil
}

// Overhead implements CryptoCore: the AEAD tag plus the appended nonce.
func (c *ChaCha20Crypto) Overhead() int { return c.aead.Overhead() + c.aead.NonceSize() }
