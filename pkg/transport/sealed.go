package transport

import (
	"context"
	"crypto/rand"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

// SealedTransport wraps another Transport with ChaCha20-Poly1305
// authenticated encryption, one seal per message. It is confidentiality
// for hostile rendezvous transports, not TLS: there is no certificate
// exchange and both ends must hold the same symmetric key, typically
// agreed via GenerateKeyPair and DeriveKey.
type SealedTransport struct {
	inner Transport
	key   []byte
}

// KeySize is the symmetric key length accepted by NewSealed.
const KeySize = chacha20poly1305.KeySize

// NewSealed wraps inner with message sealing under the given key.
func NewSealed(inner Transport, key []byte) (*SealedTransport, byte) {
	if len(key) != KeySize {
		return nil, ErrSealBroken
	}
	k := make([]byte, KeySize)
	copy(k, key)
	return &SealedTransport{inner: inner, key: k}, ErrNone
}

// Send seals one message and transmits it on the inner transport. The
// wire form is nonce || ciphertext || tag.
func (t *SealedTransport) Send(ctx context.Context, data []byte) byte {
	aead, err := chacha20poly1305.NewX(t.key)
	if err != nil {
		return ErrSealBroken
	}
	nonce := GenerateNonce()
	sealed := aead.Seal(nonce, nonce, data, nil)
	return t.inner.Send(ctx, sealed)
}

// Receive reads one sealed message from the inner transport and opens it.
// A message that fails authentication is surfaced as ErrSealBroken.
func (t *SealedTransport) Receive(ctx context.Context) ([]byte, byte) {
	sealed, code := t.inner.Receive(ctx)
	if code != ErrNone {
		return nil, code
	}

	aead, err := chacha20poly1305.NewX(t.key)
	if err != nil {
		return nil, ErrSealBroken
	}
	if len(sealed) < chacha20poly1305.NonceSizeX {
		return nil, ErrSealBroken
	}
	nonce := sealed[:chacha20poly1305.NonceSizeX]
	plain, err := aead.Open(nil, nonce, sealed[chacha20poly1305.NonceSizeX:], nil)
	if err != nil {
		return nil, ErrSealBroken
	}
	return plain, ErrNone
}

// IsClosed delegates to the inner transport.
func (t *SealedTransport) IsClosed(code byte) bool {
	return t.inner.IsClosed(code)
}

// Close closes the inner transport.
func (t *SealedTransport) Close() byte {
	return t.inner.Close()
}

// GenerateKeyPair creates an X25519 key pair for key agreement. The
// private key is clamped per the X25519 spec.
func GenerateKeyPair() (privateKey, publicKey []byte) {
	privateKey = make([]byte, curve25519.ScalarSize)
	io.ReadFull(rand.Reader, privateKey)

	privateKey[0] &= 248
	privateKey[31] &= 127
	privateKey[31] |= 64

	publicKey, _ = curve25519.X25519(privateKey, curve25519.Basepoint)
	return privateKey, publicKey
}

// GenerateNonce creates a random XChaCha20 nonce.
func GenerateNonce() []byte {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	io.ReadFull(rand.Reader, nonce)
	return nonce
}

// DeriveKey performs X25519 agreement with the peer's public key and
// derives a symmetric key via HKDF-SHA3, salted with the shared nonce.
// Both ends derive the same key from their own private key and the
// other's public key.
func DeriveKey(privateKey, peerPublicKey, nonce []byte) ([]byte, byte) {
	sharedSecret, err := curve25519.X25519(privateKey, peerPublicKey)
	if err != nil {
		return nil, ErrSealBroken
	}

	kdf := hkdf.New(sha3.New256, sharedSecret, nonce, nil)
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, ErrSealBroken
	}
	return key, ErrNone
}
