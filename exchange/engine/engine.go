// Package engine drives the fair-exchange state machine. All transitions
// funnel through one Engine, which validates deadlines against its clock,
// signatures against the verifier, then commits through the store in a
// single transaction. The engine is the serialization point of the
// protocol: transitions take a global lock, and time only ever enters
// through the configured clock.
package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	clock "github.com/jonboulle/clockwork"

	"github.com/fairmail/fairmail/exchange"
	errs "github.com/fairmail/fairmail/exchange/errors"
	"github.com/fairmail/fairmail/exchange/ledger"
	"github.com/fairmail/fairmail/log"
)

// Config holds the collaborators an engine runs against.
type Config struct {
	// Store persists the entries.
	Store exchange.Store
	// Book escrows the pledges.
	Book *ledger.Book
	// Verifier checks transition signatures. Defaults to a fresh one.
	Verifier *exchange.Verifier
	// Clock is the only time source - useful for testing.
	Clock clock.Clock
	// Logger used by the engine. Defaults to the package default.
	Logger log.Logger
}

// Engine applies protocol transitions. Safe for concurrent use; transitions
// are serialized.
type Engine struct {
	sync.Mutex
	store    exchange.Store
	book     *ledger.Book
	verifier *exchange.Verifier
	clock    clock.Clock
	l        log.Logger

	callbacks *callbackRegistry
}

// New returns a fresh engine ready to accept transitions.
func New(conf *Config) (*Engine, error) {
	if conf == nil || conf.Store == nil || conf.Book == nil {
		return nil, errors.New("engine: store and book are required")
	}
	verifier := conf.Verifier
	if verifier == nil {
		verifier = exchange.NewVerifier()
	}
	cl := conf.Clock
	if cl == nil {
		cl = clock.NewRealClock()
	}
	l := conf.Logger
	if l == nil {
		l = log.DefaultLogger()
	}
	return &Engine{
		store:     conf.Store,
		book:      conf.Book,
		verifier:  verifier,
		clock:     cl,
		l:         l.Named("engine"),
		callbacks: newCallbackRegistry(),
	}, nil
}

// CreateRequest registers a new entry. The sender signs the create digest;
// two-phase entries additionally carry the receiver's acknowledgment
// binding them to the dispute protocol from the start.
type CreateRequest struct {
	Sender      common.Address
	Receiver    common.Address
	ContentHash common.Hash
	T1          int64
	T2          int64
	Commitment  common.Hash
	Pledge      *uint256.Int
	SenderSig   []byte
	ReceiverAck []byte
}

// DisputeRequest triggers the dispute phase on a two-phase entry. Both
// parties sign the dispute digest of the stored tuple.
type DisputeRequest struct {
	PID         common.Hash
	SenderSig   []byte
	ReceiverSig []byte
}

// FinalizeRequest completes an entry before its deadline. Reveal-mode
// entries take the (Key, Blind) pair matching the commitment; receipt-mode
// entries take the receiver's receipt signature. SenderSig authorizes the
// request over the finalize digest and must recover to the stored sender.
type FinalizeRequest struct {
	PID       common.Hash
	Key       common.Hash
	Blind     common.Hash
	Receipt   []byte
	SenderSig []byte
}

func (r *FinalizeRequest) byReceipt() bool {
	return len(r.Receipt) > 0
}

func (r *FinalizeRequest) payloadHash() common.Hash {
	if r.byReceipt() {
		return exchange.ReceiptHash(r.Receipt)
	}
	return exchange.Commitment(r.Key, r.Blind)
}

// Now returns the engine's current time as unix seconds. The protocol never
// reads any other clock.
func (e *Engine) Now() int64 {
	return e.clock.Now().Unix()
}

// Create validates and registers a new entry. Every check runs before any
// write; a rejected create leaves no trace.
func (e *Engine) Create(ctx context.Context, req *CreateRequest) (*exchange.Entry, error) {
	e.Lock()
	defer e.Unlock()

	now := e.Now()
	if req.T2 <= now {
		return nil, errs.ErrDeadlineNotFuture
	}
	if req.T1 != 0 {
		if req.T1 >= req.T2 {
			return nil, errs.ErrDeadlineOrder
		}
		if req.T1 <= now {
			return nil, errs.ErrDisputeWindowClosed
		}
	}
	if req.Pledge != nil && req.Pledge.IsZero() {
		return nil, errs.ErrPledgeTooLow
	}

	pid := exchange.PID(req.Sender, req.Receiver, req.ContentHash)
	createDigest := exchange.CreateDigest(pid, req.T1, req.T2, req.Commitment, req.Pledge)
	if err := e.verifier.Verify(createDigest, req.SenderSig, req.Sender); err != nil {
		return nil, err
	}
	if req.T1 != 0 {
		ackDigest := exchange.CreateAckDigest(pid, req.Sender, req.T1, req.T2, req.Commitment)
		if err := e.verifier.Verify(ackDigest, req.ReceiverAck, req.Receiver); err != nil {
			return nil, err
		}
	}

	entry := &exchange.Entry{
		PID:        pid,
		Sender:     req.Sender,
		Receiver:   req.Receiver,
		T1:         req.T1,
		T2:         req.T2,
		Commitment: req.Commitment,
		CreatedAt:  now,
	}
	if req.Pledge != nil {
		entry.Pledge = req.Pledge.Clone()
		if err := e.book.Stake(pid, entry.Pledge); err != nil {
			return nil, err
		}
	}
	if err := e.store.Create(ctx, entry); err != nil {
		if req.Pledge != nil {
			e.book.Void(pid, entry.Pledge)
		}
		return nil, err
	}

	e.l.Infow("entry created", "pid", pid, "sender", req.Sender, "receiver", req.Receiver,
		"t1", req.T1, "t2", req.T2, "pledged", entry.Pledged())
	e.emit(Event{
		Type:     EventCreated,
		PID:      pid,
		Sender:   entry.Sender,
		Receiver: entry.Receiver,
		Time:     now,
	})
	return entry, nil
}

// Dispute triggers the dispute phase. It must land strictly before the
// dispute deadline and carry both parties' signatures over the stored tuple.
func (e *Engine) Dispute(ctx context.Context, req *DisputeRequest) (*exchange.Entry, error) {
	e.Lock()
	defer e.Unlock()

	now := e.Now()
	entry, err := e.store.Mutate(ctx, req.PID, func(entry *exchange.Entry) error {
		if !entry.TwoPhase() {
			return errs.ErrNotDisputable
		}
		if entry.Disputed() {
			return errs.ErrAlreadyDisputed
		}
		if now >= entry.T1 {
			return errs.ErrDisputeWindowClosed
		}
		digest := exchange.DisputeDigest(entry.PID, entry.Sender, entry.T1, entry.T2, entry.Commitment)
		if err := e.verifier.Verify(digest, req.SenderSig, entry.Sender); err != nil {
			return err
		}
		if err := e.verifier.Verify(digest, req.ReceiverSig, entry.Receiver); err != nil {
			return err
		}
		entry.DisputedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.l.Infow("entry disputed", "pid", req.PID, "at", now)
	e.emit(Event{
		Type:     EventDisputed,
		PID:      entry.PID,
		Sender:   entry.Sender,
		Receiver: entry.Receiver,
		Time:     now,
	})
	return entry, nil
}

// Finalize completes the exchange: it sets the revealed key or the receipt,
// exactly once, strictly before the finalization deadline, and releases the
// pledge to the sender in the same transaction. The released flag flips
// before the transfer runs; a rejected transfer aborts the whole
// transition, leaving entry and escrow untouched.
func (e *Engine) Finalize(ctx context.Context, req *FinalizeRequest) (*exchange.Entry, error) {
	e.Lock()
	defer e.Unlock()

	now := e.Now()
	var released *uint256.Int
	entry, err := e.store.Mutate(ctx, req.PID, func(entry *exchange.Entry) error {
		signer, err := e.verifier.Recover(exchange.FinalizeDigest(entry.PID, req.payloadHash()), req.SenderSig)
		if err != nil {
			return err
		}
		if signer != entry.Sender {
			return errs.ErrNotSender
		}
		if now >= entry.T2 {
			return errs.ErrDeadlinePassed
		}
		if entry.TwoPhase() && !entry.Disputed() {
			if now >= entry.T1 {
				return errs.ErrNeverDisputed
			}
			return errs.ErrNotDisputed
		}

		if entry.RevealMode() {
			if req.byReceipt() {
				return errs.ErrRevealExpected
			}
			if entry.Key != (common.Hash{}) {
				return errs.ErrKeyAlreadySet
			}
			if req.Key == (common.Hash{}) {
				return errs.ErrZeroKey
			}
			if exchange.Commitment(req.Key, req.Blind) != entry.Commitment {
				return errs.ErrCommitmentMismatch
			}
			entry.Key = req.Key
		} else {
			if !req.byReceipt() {
				return errs.ErrReceiptExpected
			}
			if len(entry.Signature) > 0 {
				return errs.ErrSignatureAlreadySet
			}
			digest := exchange.ReceiptDigest(entry.PID, entry.Sender, entry.T1, entry.T2, entry.Commitment)
			if err := e.verifier.Verify(digest, req.Receipt, entry.Receiver); err != nil {
				return err
			}
			entry.Signature = append([]byte(nil), req.Receipt...)
		}

		if entry.Pledged() && !entry.PledgeReleased {
			entry.PledgeReleased = true
			if err := e.book.Release(ctx, entry.PID, entry.Sender, entry.Pledge); err != nil {
				return err
			}
			released = entry.Pledge.Clone()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.l.Infow("entry finalized", "pid", req.PID, "by_receipt", req.byReceipt(), "released", released != nil)
	e.emit(Event{
		Type:     EventFinalized,
		PID:      entry.PID,
		Sender:   entry.Sender,
		Receiver: entry.Receiver,
		Time:     now,
	})
	if released != nil {
		e.emit(Event{
			Type:     EventPledgeReleased,
			PID:      entry.PID,
			Sender:   entry.Sender,
			Receiver: entry.Receiver,
			Amount:   released,
			Time:     now,
		})
	}
	return entry, nil
}

// Get returns the stored entry, or ErrEntryNotFound.
func (e *Engine) Get(ctx context.Context, pid common.Hash) (*exchange.Entry, error) {
	return e.store.Get(ctx, pid)
}

// Status returns the entry's lifecycle state at the engine's current time.
func (e *Engine) Status(ctx context.Context, pid common.Hash) (exchange.Status, error) {
	entry, err := e.store.Get(ctx, pid)
	if err != nil {
		return 0, err
	}
	return entry.Status(e.Now()), nil
}

// Store exposes the underlying store for audits and backups.
func (e *Engine) Store() exchange.Store {
	return e.store
}

// Book exposes the pledge book for audits and gauges.
func (e *Engine) Book() *ledger.Book {
	return e.book
}
