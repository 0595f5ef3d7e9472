package exchange

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	errs "github.com/fairmail/fairmail/exchange/errors"
)

func TestRecoverSigner(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(priv.PublicKey)

	payload := CreateDigest(PID(alice, bob, common.HexToHash("0x01")), 100, 200, common.HexToHash("0xc0ffee"), nil)
	sig, err := SignDigest(priv, payload)
	require.NoError(t, err)
	require.Len(t, sig, crypto.SignatureLength)

	v := NewVerifier()
	got, err := v.Recover(payload, sig)
	require.NoError(t, err)
	require.Equal(t, addr, got)

	// second pass runs off the cache and must agree
	got, err = v.Recover(payload, sig)
	require.NoError(t, err)
	require.Equal(t, addr, got)

	require.NoError(t, v.Verify(payload, sig, addr))
	require.ErrorIs(t, v.Verify(payload, sig, alice), errs.ErrInvalidSignature)

	// raw recovery id is as valid as the legacy encoding
	raw := make([]byte, len(sig))
	copy(raw, sig)
	raw[64] -= 27
	got, err = v.Recover(payload, raw)
	require.NoError(t, err)
	require.Equal(t, addr, got)
}

func TestRecoverRejectsMalformed(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)

	payload := DisputeDigest(PID(alice, bob, common.HexToHash("0x02")), alice, 100, 200, common.HexToHash("0xc0ffee"))
	sig, err := SignDigest(priv, payload)
	require.NoError(t, err)

	v := NewVerifier()

	_, err = v.Recover(payload, sig[:64])
	require.ErrorIs(t, err, errs.ErrInvalidSignature)

	_, err = v.Recover(payload, append(sig, 0x00))
	require.ErrorIs(t, err, errs.ErrInvalidSignature)

	bad := make([]byte, len(sig))
	copy(bad, sig)
	bad[64] = 42
	_, err = v.Recover(payload, bad)
	require.ErrorIs(t, err, errs.ErrInvalidSignature)

	zeroR := make([]byte, crypto.SignatureLength)
	zeroR[64] = 27
	_, err = v.Recover(payload, zeroR)
	require.ErrorIs(t, err, errs.ErrInvalidSignature)
}

func TestRecoverRejectsMalleableTwin(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(priv.PublicKey)

	payload := ReceiptDigest(PID(alice, bob, common.HexToHash("0x03")), alice, 100, 200, common.HexToHash("0xc0ffee"))
	sig, err := SignDigest(priv, payload)
	require.NoError(t, err)

	v := NewVerifier()
	got, err := v.Recover(payload, sig)
	require.NoError(t, err)
	require.Equal(t, addr, got)

	// (r, n-s, v^1) recovers to the same key but is the high-S twin
	twin := make([]byte, len(sig))
	copy(twin, sig)
	s := new(big.Int).SetBytes(sig[32:64])
	s.Sub(secpN, s)
	s.FillBytes(twin[32:64])
	if twin[64] == 27 {
		twin[64] = 28
	} else {
		twin[64] = 27
	}

	_, err = v.Recover(payload, twin)
	require.ErrorIs(t, err, errs.ErrInvalidSignature)
}

func TestSignatureBoundToPurpose(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(priv.PublicKey)

	pid := PID(alice, bob, common.HexToHash("0x04"))
	commitment := common.HexToHash("0xc0ffee")

	create := CreateDigest(pid, 100, 200, commitment, nil)
	dispute := DisputeDigest(pid, alice, 100, 200, commitment)
	require.NotEqual(t, create, dispute)

	sig, err := SignDigest(priv, create)
	require.NoError(t, err)

	// a create signature presented for a dispute recovers a stranger
	v := NewVerifier()
	require.NoError(t, v.Verify(create, sig, addr))
	require.Error(t, v.Verify(dispute, sig, addr))

	// and presented for another entry likewise
	other := CreateDigest(PID(alice, bob, common.HexToHash("0x05")), 100, 200, commitment, nil)
	require.Error(t, v.Verify(other, sig, addr))
}

func TestDigestsDistinct(t *testing.T) {
	pid := PID(alice, bob, common.HexToHash("0x06"))
	commitment := common.HexToHash("0xc0ffee")

	seen := map[common.Hash]string{}
	add := func(name string, h common.Hash) {
		prev, ok := seen[h]
		require.False(t, ok, "%s collides with %s", name, prev)
		seen[h] = name
	}

	add("create", CreateDigest(pid, 100, 200, commitment, nil))
	add("create-ack", CreateAckDigest(pid, alice, 100, 200, commitment))
	add("dispute", DisputeDigest(pid, alice, 100, 200, commitment))
	add("receipt", ReceiptDigest(pid, alice, 100, 200, commitment))
	add("finalize", FinalizeDigest(pid, Commitment(common.HexToHash("0x07"), common.HexToHash("0x08"))))
}
