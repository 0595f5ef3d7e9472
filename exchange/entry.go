// Package exchange holds the core types of the certified-mail fair exchange:
// the entry a sender registers against a receiver, the protocol identifier
// addressing it, the canonical digests parties sign, and the signature
// verifier gating every transition.
package exchange

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	json "github.com/nikkolasg/hexjson"
)

// PID derives the protocol identifier binding one sender, one receiver and
// one content hash. Two creations over the same triple collide by
// construction, which is what enforces create-once semantics.
func PID(sender, receiver common.Address, contentHash common.Hash) common.Hash {
	return crypto.Keccak256Hash(sender.Bytes(), receiver.Bytes(), contentHash.Bytes())
}

// Entry is one certified-mail exchange in progress. Key and Signature start
// at their zero sentinels and each transitions to a set value at most once.
type Entry struct {
	// PID is the protocol identifier the entry is stored under.
	PID common.Hash
	// Sender registered the entry and is the only party allowed to finalize.
	Sender common.Address
	// Receiver is the counter-party whose signatures the entry accepts.
	Receiver common.Address
	// T1 is the dispute deadline (unix seconds). Zero means the entry has a
	// single phase and finalizes without a dispute.
	T1 int64
	// T2 is the finalization deadline (unix seconds).
	T2 int64
	// Commitment binds the key reveal: Keccak256(key || blind) must equal
	// it. The zero hash means the entry finalizes by receipt instead.
	Commitment common.Hash
	// Key is the revealed decryption key. Zero until finalization.
	Key common.Hash
	// Signature is the receiver's receipt. Nil until finalization.
	Signature []byte
	// DisputedAt is the time the dispute was triggered, zero if never.
	DisputedAt int64
	// Pledge is the amount the sender staked at creation, nil if none.
	Pledge *uint256.Int
	// PledgeReleased flips exactly once, when the pledge is paid out.
	PledgeReleased bool
	// CreatedAt is the time the entry was registered.
	CreatedAt int64
}

// TwoPhase returns true when the entry requires a dispute before it can be
// finalized.
func (e *Entry) TwoPhase() bool {
	return e.T1 > 0
}

// Disputed returns true once the dispute has been triggered.
func (e *Entry) Disputed() bool {
	return e.DisputedAt > 0
}

// RevealMode returns true when the entry finalizes by revealing the key
// matching its commitment, false when it finalizes by receiver receipt.
func (e *Entry) RevealMode() bool {
	return e.Commitment != (common.Hash{})
}

// Finalized returns true once the key or the receipt has been set.
func (e *Entry) Finalized() bool {
	return e.Key != (common.Hash{}) || len(e.Signature) > 0
}

// Pledged returns true when the entry carries a positive stake.
func (e *Entry) Pledged() bool {
	return e.Pledge != nil && !e.Pledge.IsZero()
}

// Status describes where an entry sits in its lifecycle at a given time.
type Status int

const (
	// StatusCreated is an open entry waiting on its next transition.
	StatusCreated Status = iota
	// StatusDisputed is a two-phase entry whose dispute was triggered.
	StatusDisputed
	// StatusFinalized is terminal: the key or receipt is set.
	StatusFinalized
	// StatusAbandoned is terminal: the dispute deadline elapsed with no
	// dispute, so the entry can never finalize.
	StatusAbandoned
	// StatusExpired is terminal: the finalization deadline elapsed first.
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusDisputed:
		return "disputed"
	case StatusFinalized:
		return "finalized"
	case StatusAbandoned:
		return "abandoned"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status can still change.
func (s Status) Terminal() bool {
	return s == StatusFinalized || s == StatusAbandoned || s == StatusExpired
}

// Status derives the lifecycle state at the given time. Deadlines never
// mutate an entry; state past a deadline is a matter of reading the clock.
func (e *Entry) Status(now int64) Status {
	if e.Finalized() {
		return StatusFinalized
	}
	if e.TwoPhase() && !e.Disputed() && now >= e.T1 {
		return StatusAbandoned
	}
	if now >= e.T2 {
		return StatusExpired
	}
	if e.Disputed() {
		return StatusDisputed
	}
	return StatusCreated
}

// Equal indicates if two entries hold the same stored state.
func (e *Entry) Equal(e2 *Entry) bool {
	return e.PID == e2.PID &&
		e.Sender == e2.Sender &&
		e.Receiver == e2.Receiver &&
		e.T1 == e2.T1 &&
		e.T2 == e2.T2 &&
		e.Commitment == e2.Commitment &&
		e.Key == e2.Key &&
		bytes.Equal(e.Signature, e2.Signature) &&
		e.DisputedAt == e2.DisputedAt &&
		pledgeEqual(e.Pledge, e2.Pledge) &&
		e.PledgeReleased == e2.PledgeReleased &&
		e.CreatedAt == e2.CreatedAt
}

func pledgeEqual(a, b *uint256.Int) bool {
	if a == nil || b == nil {
		return (a == nil || a.IsZero()) && (b == nil || b.IsZero())
	}
	return a.Eq(b)
}

// Clone returns a deep copy, so store callers can hand entries out without
// sharing mutable state.
func (e *Entry) Clone() *Entry {
	c := *e
	if e.Signature != nil {
		c.Signature = append([]byte(nil), e.Signature...)
	}
	if e.Pledge != nil {
		c.Pledge = e.Pledge.Clone()
	}
	return &c
}

// entryJSON is the wire form of an entry. Byte fields render as hex, the
// pledge as its minimal big-endian bytes.
type entryJSON struct {
	PID            common.Hash    `json:"pid"`
	Sender         common.Address `json:"sender"`
	Receiver       common.Address `json:"receiver"`
	T1             int64          `json:"t1,omitempty"`
	T2             int64          `json:"t2"`
	Commitment     common.Hash    `json:"commitment"`
	Key            common.Hash    `json:"key"`
	Signature      []byte         `json:"signature,omitempty"`
	DisputedAt     int64          `json:"disputed_at,omitempty"`
	Pledge         []byte         `json:"pledge,omitempty"`
	PledgeReleased bool           `json:"pledge_released,omitempty"`
	CreatedAt      int64          `json:"created_at"`
}

// MarshalJSON implements json.Marshaler over the wire form, so an entry
// encodes the same whether marshaled alone, in a slice or inside an API
// response.
func (e *Entry) MarshalJSON() ([]byte, error) {
	w := entryJSON{
		PID:            e.PID,
		Sender:         e.Sender,
		Receiver:       e.Receiver,
		T1:             e.T1,
		T2:             e.T2,
		Commitment:     e.Commitment,
		Key:            e.Key,
		Signature:      e.Signature,
		DisputedAt:     e.DisputedAt,
		PledgeReleased: e.PledgeReleased,
		CreatedAt:      e.CreatedAt,
	}
	if e.Pledge != nil {
		w.Pledge = e.Pledge.Bytes()
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Entry) UnmarshalJSON(buff []byte) error {
	var w entryJSON
	if err := json.Unmarshal(buff, &w); err != nil {
		return err
	}
	e.PID = w.PID
	e.Sender = w.Sender
	e.Receiver = w.Receiver
	e.T1 = w.T1
	e.T2 = w.T2
	e.Commitment = w.Commitment
	e.Key = w.Key
	e.Signature = w.Signature
	e.DisputedAt = w.DisputedAt
	e.Pledge = nil
	if len(w.Pledge) > 0 {
		e.Pledge = new(uint256.Int).SetBytes(w.Pledge)
	}
	e.PledgeReleased = w.PledgeReleased
	e.CreatedAt = w.CreatedAt
	return nil
}

// Marshal provides a JSON encoding of an entry.
func (e *Entry) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes an entry from JSON.
func (e *Entry) Unmarshal(buff []byte) error {
	return json.Unmarshal(buff, e)
}

func (e *Entry) String() string {
	return fmt.Sprintf("{ pid: %s, sender: %s, receiver: %s, t1: %d, t2: %d }",
		shortHex(e.PID.Bytes()), shortHex(e.Sender.Bytes()), shortHex(e.Receiver.Bytes()), e.T1, e.T2)
}

func shortHex(b []byte) string {
	max := 4
	if len(b) < max {
		max = len(b)
	}
	return common.Bytes2Hex(b[:max])
}
