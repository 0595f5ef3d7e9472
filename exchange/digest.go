package exchange

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Every signature the protocol accepts is made over a canonical digest. The
// payload starts with a one-byte operation tag so a signature can never be
// replayed for a different purpose, and embeds the pid so it can never be
// replayed against a different entry. All fields are fixed width.
const (
	tagCreate    byte = 0x00
	tagCreateAck byte = 0x01
	tagDispute   byte = 0x02
	tagReceipt   byte = 0x03
	tagFinalize  byte = 0x04
)

// personalPrefix is the Ethereum signed-message prefix for a 32-byte hash.
// Signing under it keeps protocol signatures disjoint from transaction data.
const personalPrefix = "\x19Ethereum Signed Message:\n32"

// PersonalDigest wraps a canonical payload hash in the signed-message
// envelope the verifier recovers against.
func PersonalDigest(payload common.Hash) common.Hash {
	return crypto.Keccak256Hash([]byte(personalPrefix), payload.Bytes())
}

func timeBytes(t int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(t))
	return b[:]
}

func pledgeBytes(p *uint256.Int) []byte {
	if p == nil {
		p = new(uint256.Int)
	}
	b := p.Bytes32()
	return b[:]
}

// CreateDigest is the payload the sender signs to register an entry.
func CreateDigest(pid common.Hash, t1, t2 int64, commitment common.Hash, pledge *uint256.Int) common.Hash {
	return crypto.Keccak256Hash(
		[]byte{tagCreate},
		pid.Bytes(),
		timeBytes(t1),
		timeBytes(t2),
		commitment.Bytes(),
		pledgeBytes(pledge),
	)
}

// CreateAckDigest is the payload the receiver signs to accept being bound to
// a two-phase entry at creation.
func CreateAckDigest(pid common.Hash, sender common.Address, t1, t2 int64, commitment common.Hash) common.Hash {
	return tuple(tagCreateAck, pid, sender, t1, t2, commitment)
}

// DisputeDigest is the payload both parties sign to trigger the dispute.
func DisputeDigest(pid common.Hash, sender common.Address, t1, t2 int64, commitment common.Hash) common.Hash {
	return tuple(tagDispute, pid, sender, t1, t2, commitment)
}

// ReceiptDigest is the payload the receiver signs to acknowledge delivery.
// It binds the exact stored entry tuple, never a free-form message.
func ReceiptDigest(pid common.Hash, sender common.Address, t1, t2 int64, commitment common.Hash) common.Hash {
	return tuple(tagReceipt, pid, sender, t1, t2, commitment)
}

// FinalizeDigest is the payload the sender signs to authorize finalization,
// binding the pid to the hash of whatever completes the exchange: the
// revealed (key, blind) pair or the receiver's receipt.
func FinalizeDigest(pid, payloadHash common.Hash) common.Hash {
	return crypto.Keccak256Hash([]byte{tagFinalize}, pid.Bytes(), payloadHash.Bytes())
}

// ReceiptHash condenses a receipt payload for the finalize digest.
func ReceiptHash(receipt []byte) common.Hash {
	return crypto.Keccak256Hash(receipt)
}

// Commitment computes the value an entry commits to: Keccak256(key || blind).
// Finalizing by reveal must reproduce it exactly, and the same hash doubles
// as the reveal payload hash in the finalize digest.
func Commitment(key, blind common.Hash) common.Hash {
	return crypto.Keccak256Hash(key.Bytes(), blind.Bytes())
}

func tuple(tag byte, pid common.Hash, sender common.Address, t1, t2 int64, commitment common.Hash) common.Hash {
	return crypto.Keccak256Hash(
		[]byte{tag},
		pid.Bytes(),
		sender.Bytes(),
		timeBytes(t1),
		timeBytes(t2),
		commitment.Bytes(),
	)
}
