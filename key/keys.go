// Package key manages the secp256k1 identities parties sign protocol
// transitions with, and their TOML persistence on disk.
package key

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/fairmail/fairmail/exchange"
)

// Pair is a wrapper around a secp256k1 private key and the corresponding
// public identity.
type Pair struct {
	Key    *ecdsa.PrivateKey
	Public *Identity
}

// Identity holds the public key of a Pair and the Ethereum-style address
// derived from it. The address is what protocol entries record and what
// signatures must recover to.
type Identity struct {
	Key  *ecdsa.PublicKey
	Addr common.Address
}

// Address returns the identity's address.
func (i *Identity) Address() common.Address {
	return i.Addr
}

// NewKeyPair returns a freshly created private / public key pair.
func NewKeyPair() (*Pair, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return PairFromPrivate(priv), nil
}

// PairFromPrivate wraps an existing private key into a Pair.
func PairFromPrivate(priv *ecdsa.PrivateKey) *Pair {
	return &Pair{
		Key: priv,
		Public: &Identity{
			Key:  &priv.PublicKey,
			Addr: crypto.PubkeyToAddress(priv.PublicKey),
		},
	}
}

// Sign signs the canonical payload under the signed-message envelope.
func (p *Pair) Sign(payload common.Hash) ([]byte, error) {
	return exchange.SignDigest(p.Key, payload)
}

// PairTOML is the TOML-able version of a private key
type PairTOML struct {
	Key string
}

// PublicTOML is the TOML-able version of a public key
type PublicTOML struct {
	Key     string
	Address string
}

// TOML returns a struct that can be marshalled using a TOML-encoding library
func (p *Pair) TOML() interface{} {
	return &PairTOML{
		Key: hex.EncodeToString(crypto.FromECDSA(p.Key)),
	}
}

// FromTOML constructs the private key from an unmarshalled structure from TOML
func (p *Pair) FromTOML(i interface{}) error {
	ptoml, ok := i.(*PairTOML)
	if !ok {
		return errors.New("private can't decode toml from non PairTOML struct")
	}

	buff, err := hex.DecodeString(ptoml.Key)
	if err != nil {
		return err
	}
	priv, err := crypto.ToECDSA(buff)
	if err != nil {
		return err
	}
	*p = *PairFromPrivate(priv)
	return nil
}

// TOMLValue returns an empty TOML-compatible value of the pair
func (p *Pair) TOMLValue() interface{} {
	return &PairTOML{}
}

// TOML returns a struct that can be marshalled using a TOML-encoding library
func (i *Identity) TOML() interface{} {
	return &PublicTOML{
		Key:     hex.EncodeToString(crypto.FromECDSAPub(i.Key)),
		Address: i.Addr.Hex(),
	}
}

// FromTOML loads the public identity from the TOML-decoded struct
func (i *Identity) FromTOML(t interface{}) error {
	ptoml, ok := t.(*PublicTOML)
	if !ok {
		return errors.New("public can't decode from non PublicTOML struct")
	}
	buff, err := hex.DecodeString(ptoml.Key)
	if err != nil {
		return err
	}
	pub, err := crypto.UnmarshalPubkey(buff)
	if err != nil {
		return err
	}
	i.Key = pub
	i.Addr = crypto.PubkeyToAddress(*pub)
	return nil
}

// TOMLValue returns an empty TOML-compatible value of the identity
func (i *Identity) TOMLValue() interface{} {
	return &PublicTOML{}
}
