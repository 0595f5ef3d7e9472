// Package sealed encrypts mail bodies under the 32-byte key a fair exchange
// reveals. The sender seals the payload, ships the envelope to the receiver
// out of band, and registers the envelope's content hash; once the key lands
// on the exchange, the receiver opens the envelope with it.
package sealed

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	json "github.com/nikkolasg/hexjson"
	"golang.org/x/crypto/hkdf"
)

// sealInfo separates the sealing keys derived from an exchange key from any
// other use of the same material.
var sealInfo = []byte("fairmail-seal-v1")

const nonceSize = 12

// Envelope is a sealed mail body: the AES-GCM ciphertext and its nonce.
type Envelope struct {
	Nonce      []byte
	Ciphertext []byte
}

// Marshal provides a JSON encoding of an envelope.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes an envelope from JSON.
func (e *Envelope) Unmarshal(buff []byte) error {
	return json.Unmarshal(buff, e)
}

// ContentHash binds an envelope to a protocol entry: the pid derivation
// hashes it together with the two parties.
func (e *Envelope) ContentHash() common.Hash {
	return crypto.Keccak256Hash(e.Nonce, e.Ciphertext)
}

// NewKey draws a fresh exchange key. The zero key is the protocol's unset
// sentinel, so it is never returned.
func NewKey() (common.Hash, error) {
	return randomHash()
}

// NewBlind draws the blinding factor hiding the key inside a commitment.
func NewBlind() (common.Hash, error) {
	return randomHash()
}

func randomHash() (common.Hash, error) {
	var h common.Hash
	for {
		if _, err := rand.Read(h[:]); err != nil {
			return common.Hash{}, err
		}
		if h != (common.Hash{}) {
			return h, nil
		}
	}
}

// Seal derives a sealing key from the exchange key using a KDF scheme (hkdf
// from Go at the time of writing) and then computes the ciphertext using an
// AEAD scheme (AES-GCM from Go at the time of writing).
func Seal(key common.Hash, msg []byte) (*Envelope, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return &Envelope{
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, msg, nil),
	}, nil
}

// Open derives the same sealing key and tries to decrypt the envelope. It
// returns the plaintext if successful, an error otherwise.
func Open(key common.Hash, e *Envelope) ([]byte, error) {
	if len(e.Nonce) != nonceSize {
		return nil, errors.New("sealed: malformed nonce")
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, e.Nonce, e.Ciphertext, nil)
}

func newAEAD(key common.Hash) (cipher.AEAD, error) {
	reader := hkdf.New(sha256.New, key.Bytes(), nil, sealInfo)

	sealKey := make([]byte, 32)
	n, err := reader.Read(sealKey)
	if err != nil {
		return nil, err
	} else if n != len(sealKey) {
		return nil, errors.New("sealed: not enough bits from the kdf")
	}

	block, err := aes.NewCipher(sealKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
