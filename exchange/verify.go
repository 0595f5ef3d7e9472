package exchange

import (
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	lru "github.com/hashicorp/golang-lru"

	errs "github.com/fairmail/fairmail/exchange/errors"
)

// sigCacheSize bounds the recovered-signer cache. Recovery costs an EC
// multiplication, and the same signatures get re-checked on retries.
const sigCacheSize = 4096

var (
	secpN     = crypto.S256().Params().N
	secpHalfN = new(big.Int).Rsh(new(big.Int).Set(crypto.S256().Params().N), 1)
)

// Verifier recovers and checks the ECDSA signatures gating protocol
// transitions. Signatures are 65 bytes R || S || V over the signed-message
// envelope of a canonical payload. Safe for concurrent use.
type Verifier struct {
	cache *lru.Cache
}

// NewVerifier returns a Verifier with a warm recovery cache.
func NewVerifier() *Verifier {
	cache, err := lru.New(sigCacheSize)
	if err != nil {
		panic(err)
	}
	return &Verifier{cache: cache}
}

// Recover returns the address whose key produced sig over the canonical
// payload. It rejects, with ErrInvalidSignature, signatures of the wrong
// length, with out-of-range or malleable components, with a V outside the
// raw and legacy encodings, or that recover to no valid point.
func (v *Verifier) Recover(payload common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, errs.ErrInvalidSignature
	}

	cacheKey := crypto.Keccak256Hash(payload.Bytes(), sig)
	if cached, ok := v.cache.Get(cacheKey); ok {
		return cached.(common.Address), nil
	}

	norm, err := normalizeSig(sig)
	if err != nil {
		return common.Address{}, err
	}

	pub, err := crypto.SigToPub(PersonalDigest(payload).Bytes(), norm)
	if err != nil {
		return common.Address{}, errs.ErrInvalidSignature
	}
	addr := crypto.PubkeyToAddress(*pub)

	v.cache.Add(cacheKey, addr)
	return addr, nil
}

// Verify recovers the signer of sig over the canonical payload and requires
// it to be want.
func (v *Verifier) Verify(payload common.Hash, sig []byte, want common.Address) error {
	addr, err := v.Recover(payload, sig)
	if err != nil {
		return err
	}
	if addr != want {
		return errs.ErrInvalidSignature
	}
	return nil
}

// normalizeSig validates the signature components and returns a copy with V
// as a raw recovery id. V accepts 0/1 and the legacy 27/28 encoding only.
// S must sit in the lower half of the curve order, rejecting the malleable
// twin of every signature.
func normalizeSig(sig []byte) ([]byte, error) {
	out := make([]byte, crypto.SignatureLength)
	copy(out, sig)

	switch out[64] {
	case 0, 1:
	case 27, 28:
		out[64] -= 27
	default:
		return nil, errs.ErrInvalidSignature
	}

	r := new(big.Int).SetBytes(out[:32])
	s := new(big.Int).SetBytes(out[32:64])
	if r.Sign() == 0 || r.Cmp(secpN) >= 0 {
		return nil, errs.ErrInvalidSignature
	}
	if s.Sign() == 0 || s.Cmp(secpN) >= 0 {
		return nil, errs.ErrInvalidSignature
	}
	if s.Cmp(secpHalfN) > 0 {
		return nil, errs.ErrInvalidSignature
	}
	return out, nil
}

// SignDigest signs the canonical payload under the signed-message envelope,
// returning a 65-byte R || S || V signature with V in the legacy 27/28
// encoding.
func SignDigest(priv *ecdsa.PrivateKey, payload common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(PersonalDigest(payload).Bytes(), priv)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}
