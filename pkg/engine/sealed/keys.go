package sealed

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"math"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	keySize    = 32
	randomSize = 32
	secretSize = sha256.Size

	labelPrefix = "duplex "
)

var errSequenceExhausted = errors.New("record sequence number exhausted")

// expandLabel derives n bytes from secret under a fixed label.
func expandLabel(secret []byte, label string, n int) []byte {
	out := make([]byte, n)
	r := hkdf.Expand(sha256.New, secret, []byte(labelPrefix+label))
	if _, err := io.ReadFull(r, out); err != nil {
		// HKDF-SHA256 can produce up to 255*32 bytes; n is always far below.
		panic(err)
	}
	return out
}

// trafficKeys protects one direction of the connection.
type trafficKeys struct {
	secret []byte
	aead   cipher.AEAD
	iv     [chacha20poly1305.NonceSize]byte
	seq    uint64
	epoch  uint32
}

func newTrafficKeys(secret []byte) (*trafficKeys, error) {
	k := &trafficKeys{}
	if err := k.reset(secret); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *trafficKeys) reset(secret []byte) error {
	aead, err := chacha20poly1305.New(expandLabel(secret, "key", chacha20poly1305.KeySize))
	if err != nil {
		return err
	}
	k.secret = secret
	k.aead = aead
	copy(k.iv[:], expandLabel(secret, "iv", chacha20poly1305.NonceSize))
	k.seq = 0
	return nil
}

// update moves to the next traffic secret.
func (k *trafficKeys) update() error {
	if err := k.reset(expandLabel(k.secret, "traffic upd", secretSize)); err != nil {
		return err
	}
	k.epoch++
	return nil
}

func (k *trafficKeys) nonce() []byte {
	var n [chacha20poly1305.NonceSize]byte
	copy(n[:], k.iv[:])
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], k.seq)
	for i := range seq {
		n[len(n)-8+i] ^= seq[i]
	}
	return n[:]
}

func (k *trafficKeys) seal(dst, header, plaintext []byte) ([]byte, error) {
	if k.seq == math.MaxUint64 {
		return dst, errSequenceExhausted
	}
	out := k.aead.Seal(dst, k.nonce(), plaintext, header)
	k.seq++
	return out, nil
}

func (k *trafficKeys) open(header, ciphertext []byte) ([]byte, error) {
	if k.seq == math.MaxUint64 {
		return nil, errSequenceExhausted
	}
	out, err := k.aead.Open(nil, k.nonce(), ciphertext, header)
	if err != nil {
		return nil, err
	}
	k.seq++
	return out, nil
}

// deriveSecrets computes the client and server traffic secrets.
func deriveSecrets(shared, clientRandom, serverRandom []byte) (client, server []byte) {
	salt := make([]byte, 0, len(clientRandom)+len(serverRandom))
	salt = append(salt, clientRandom...)
	salt = append(salt, serverRandom...)
	master := hkdf.Extract(sha256.New, shared, salt)
	return expandLabel(master, "c traffic", secretSize), expandLabel(master, "s traffic", secretSize)
}
