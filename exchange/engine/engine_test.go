package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	clock "github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/fairmail/fairmail/exchange"
	errs "github.com/fairmail/fairmail/exchange/errors"
	"github.com/fairmail/fairmail/exchange/ledger"
	"github.com/fairmail/fairmail/exchange/memdb"
	"github.com/fairmail/fairmail/key"
	"github.com/fairmail/fairmail/test"
)

// testEnv wires an engine against a fake clock starting at unix second 1000,
// with one sender and one receiver identity.
type testEnv struct {
	ctx      context.Context
	clk      clock.FakeClock
	store    exchange.Store
	bank     *ledger.MemoryBank
	book     *ledger.Book
	engine   *Engine
	sender   *key.Pair
	receiver *key.Pair

	content byte
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()

	pairs := test.BatchKeyPairs(t, 2)
	clk := clock.NewFakeClockAt(time.Unix(1000, 0))
	store := memdb.NewStore()
	bank := ledger.NewMemoryBank()
	book := ledger.NewBook(test.Logger(t), bank.Transfer)

	eng, err := New(&Config{
		Store:  store,
		Book:   book,
		Clock:  clk,
		Logger: test.Logger(t),
	})
	require.NoError(t, err)

	return &testEnv{
		ctx:      context.Background(),
		clk:      clk,
		store:    store,
		bank:     bank,
		book:     book,
		engine:   eng,
		sender:   pairs[0],
		receiver: pairs[1],
	}
}

// createReq builds a fully signed create request over a fresh content hash.
func (env *testEnv) createReq(t *testing.T, t1, t2 int64, commitment common.Hash, pledge *uint256.Int) *CreateRequest {
	t.Helper()

	env.content++
	req := &CreateRequest{
		Sender:      env.sender.Public.Address(),
		Receiver:    env.receiver.Public.Address(),
		ContentHash: common.BytesToHash([]byte{env.content}),
		T1:          t1,
		T2:          t2,
		Commitment:  commitment,
		Pledge:      pledge,
	}
	pid := exchange.PID(req.Sender, req.Receiver, req.ContentHash)

	sig, err := env.sender.Sign(exchange.CreateDigest(pid, t1, t2, commitment, pledge))
	require.NoError(t, err)
	req.SenderSig = sig

	if t1 != 0 {
		ack, err := env.receiver.Sign(exchange.CreateAckDigest(pid, req.Sender, t1, t2, commitment))
		require.NoError(t, err)
		req.ReceiverAck = ack
	}
	return req
}

func (env *testEnv) disputeReq(t *testing.T, e *exchange.Entry) *DisputeRequest {
	t.Helper()

	digest := exchange.DisputeDigest(e.PID, e.Sender, e.T1, e.T2, e.Commitment)
	senderSig, err := env.sender.Sign(digest)
	require.NoError(t, err)
	receiverSig, err := env.receiver.Sign(digest)
	require.NoError(t, err)
	return &DisputeRequest{PID: e.PID, SenderSig: senderSig, ReceiverSig: receiverSig}
}

func (env *testEnv) revealReq(t *testing.T, pid, k, blind common.Hash) *FinalizeRequest {
	t.Helper()

	sig, err := env.sender.Sign(exchange.FinalizeDigest(pid, exchange.Commitment(k, blind)))
	require.NoError(t, err)
	return &FinalizeRequest{PID: pid, Key: k, Blind: blind, SenderSig: sig}
}

func (env *testEnv) receiptReq(t *testing.T, e *exchange.Entry) *FinalizeRequest {
	t.Helper()

	receipt, err := env.receiver.Sign(exchange.ReceiptDigest(e.PID, e.Sender, e.T1, e.T2, e.Commitment))
	require.NoError(t, err)
	sig, err := env.sender.Sign(exchange.FinalizeDigest(e.PID, exchange.ReceiptHash(receipt)))
	require.NoError(t, err)
	return &FinalizeRequest{PID: e.PID, Receipt: receipt, SenderSig: sig}
}

func (env *testEnv) audit(t *testing.T) {
	t.Helper()
	require.NoError(t, env.book.Audit(env.ctx, env.store))
}

func TestEngineNew(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
	_, err = New(&Config{Store: memdb.NewStore()})
	require.Error(t, err)
	_, err = New(&Config{Book: ledger.NewBook(test.Logger(t), ledger.NewMemoryBank().Transfer)})
	require.Error(t, err)
}

func TestEngineCreate(t *testing.T) {
	env := newEnv(t)

	req := env.createReq(t, 0, 3000, common.Hash{}, nil)
	entry, err := env.engine.Create(env.ctx, req)
	require.NoError(t, err)
	require.Equal(t, exchange.PID(req.Sender, req.Receiver, req.ContentHash), entry.PID)
	require.Equal(t, int64(1000), entry.CreatedAt)
	require.False(t, entry.TwoPhase())
	require.False(t, entry.RevealMode())

	loaded, err := env.engine.Get(env.ctx, entry.PID)
	require.NoError(t, err)
	require.True(t, entry.Equal(loaded))

	status, err := env.engine.Status(env.ctx, entry.PID)
	require.NoError(t, err)
	require.Equal(t, exchange.StatusCreated, status)

	// the same triple can only ever be registered once
	_, err = env.engine.Create(env.ctx, req)
	require.ErrorIs(t, err, errs.ErrEntryExists)

	env.audit(t)
}

func TestEngineCreateValidation(t *testing.T) {
	env := newEnv(t)
	commitment := exchange.Commitment(common.HexToHash("0x01"), common.HexToHash("0x02"))

	// t2 must sit strictly in the future
	_, err := env.engine.Create(env.ctx, env.createReq(t, 0, 999, common.Hash{}, nil))
	require.ErrorIs(t, err, errs.ErrDeadlineNotFuture)
	_, err = env.engine.Create(env.ctx, env.createReq(t, 0, 1000, common.Hash{}, nil))
	require.ErrorIs(t, err, errs.ErrDeadlineNotFuture)

	// the dispute deadline must come strictly before the finalization one
	_, err = env.engine.Create(env.ctx, env.createReq(t, 3000, 2000, commitment, nil))
	require.ErrorIs(t, err, errs.ErrDeadlineOrder)
	_, err = env.engine.Create(env.ctx, env.createReq(t, 2000, 2000, commitment, nil))
	require.ErrorIs(t, err, errs.ErrDeadlineOrder)

	// and leave an open window
	_, err = env.engine.Create(env.ctx, env.createReq(t, 1000, 3000, commitment, nil))
	require.ErrorIs(t, err, errs.ErrDisputeWindowClosed)

	// a pledge, when present, must be positive
	_, err = env.engine.Create(env.ctx, env.createReq(t, 0, 3000, common.Hash{}, new(uint256.Int)))
	require.ErrorIs(t, err, errs.ErrPledgeTooLow)

	// a corrupted sender signature rejects the create
	bad := env.createReq(t, 0, 3000, common.Hash{}, nil)
	bad.SenderSig[10] ^= 0xff
	_, err = env.engine.Create(env.ctx, bad)
	require.ErrorIs(t, err, errs.ErrInvalidSignature)

	// a two-phase entry requires the receiver's acknowledgment
	noAck := env.createReq(t, 2000, 3000, commitment, nil)
	noAck.ReceiverAck = nil
	_, err = env.engine.Create(env.ctx, noAck)
	require.ErrorIs(t, err, errs.ErrInvalidSignature)

	// none of the rejections left anything behind
	sLen, err := env.store.Len(env.ctx)
	require.NoError(t, err)
	require.Zero(t, sLen)
	require.True(t, env.book.Held().IsZero())
	env.audit(t)
}

func TestEngineCreatePledgeRollback(t *testing.T) {
	env := newEnv(t)

	req := env.createReq(t, 0, 3000, common.Hash{}, uint256.NewInt(500))
	pid := exchange.PID(req.Sender, req.Receiver, req.ContentHash)

	// occupy the pid behind the engine's back so the store rejects the create
	require.NoError(t, env.store.Create(env.ctx, &exchange.Entry{
		PID:       pid,
		Sender:    req.Sender,
		Receiver:  req.Receiver,
		T2:        3000,
		CreatedAt: 900,
	}))

	_, err := env.engine.Create(env.ctx, req)
	require.ErrorIs(t, err, errs.ErrEntryExists)

	// the stake was voided, nothing stays escrowed
	require.True(t, env.book.Held().IsZero())
	env.audit(t)
}

func TestEngineDispute(t *testing.T) {
	env := newEnv(t)
	commitment := exchange.Commitment(common.HexToHash("0x01"), common.HexToHash("0x02"))

	entry, err := env.engine.Create(env.ctx, env.createReq(t, 2000, 3000, commitment, nil))
	require.NoError(t, err)

	_, err = env.engine.Dispute(env.ctx, &DisputeRequest{PID: common.HexToHash("0x99")})
	require.ErrorIs(t, err, errs.ErrEntryNotFound)

	// a bad receiver signature leaves the entry untouched
	bad := env.disputeReq(t, entry)
	bad.ReceiverSig[10] ^= 0xff
	_, err = env.engine.Dispute(env.ctx, bad)
	require.ErrorIs(t, err, errs.ErrInvalidSignature)
	loaded, err := env.engine.Get(env.ctx, entry.PID)
	require.NoError(t, err)
	require.False(t, loaded.Disputed())

	env.clk.Advance(500 * time.Second)
	disputed, err := env.engine.Dispute(env.ctx, env.disputeReq(t, entry))
	require.NoError(t, err)
	require.Equal(t, int64(1500), disputed.DisputedAt)

	status, err := env.engine.Status(env.ctx, entry.PID)
	require.NoError(t, err)
	require.Equal(t, exchange.StatusDisputed, status)

	// the dispute fires exactly once
	_, err = env.engine.Dispute(env.ctx, env.disputeReq(t, entry))
	require.ErrorIs(t, err, errs.ErrAlreadyDisputed)

	// single-phase entries have nothing to dispute
	single, err := env.engine.Create(env.ctx, env.createReq(t, 0, 3000, common.Hash{}, nil))
	require.NoError(t, err)
	_, err = env.engine.Dispute(env.ctx, env.disputeReq(t, single))
	require.ErrorIs(t, err, errs.ErrNotDisputable)

	// and the window closes strictly at the dispute deadline
	late, err := env.engine.Create(env.ctx, env.createReq(t, 2500, 3000, commitment, nil))
	require.NoError(t, err)
	env.clk.Advance(1000 * time.Second)
	_, err = env.engine.Dispute(env.ctx, env.disputeReq(t, late))
	require.ErrorIs(t, err, errs.ErrDisputeWindowClosed)
}

// TestEngineFinalizeReveal walks the full two-phase pledged exchange: create,
// dispute, then reveal the committed key, with the stake paid back on
// finalization.
func TestEngineFinalizeReveal(t *testing.T) {
	env := newEnv(t)

	k := common.HexToHash("0x5ec0")
	blind := common.HexToHash("0xb11d")
	commitment := exchange.Commitment(k, blind)
	stake := uint256.NewInt(500)

	entry, err := env.engine.Create(env.ctx, env.createReq(t, 2000, 3000, commitment, stake))
	require.NoError(t, err)
	require.Equal(t, uint64(500), env.book.Held().Uint64())
	env.audit(t)

	_, err = env.engine.Dispute(env.ctx, env.disputeReq(t, entry))
	require.NoError(t, err)

	// the wrong key cannot open the commitment
	_, err = env.engine.Finalize(env.ctx, env.revealReq(t, entry.PID, common.HexToHash("0xbad"), blind))
	require.ErrorIs(t, err, errs.ErrCommitmentMismatch)

	// nor can the zero sentinel
	_, err = env.engine.Finalize(env.ctx, env.revealReq(t, entry.PID, common.Hash{}, blind))
	require.ErrorIs(t, err, errs.ErrZeroKey)

	// nor a receipt on a reveal-mode entry
	_, err = env.engine.Finalize(env.ctx, env.receiptReq(t, entry))
	require.ErrorIs(t, err, errs.ErrRevealExpected)

	// the failed attempts released nothing
	require.Equal(t, uint64(500), env.book.Held().Uint64())
	env.audit(t)

	final, err := env.engine.Finalize(env.ctx, env.revealReq(t, entry.PID, k, blind))
	require.NoError(t, err)
	require.Equal(t, k, final.Key)
	require.True(t, final.PledgeReleased)

	status, err := env.engine.Status(env.ctx, entry.PID)
	require.NoError(t, err)
	require.Equal(t, exchange.StatusFinalized, status)

	// the stake moved from escrow back to the sender
	require.True(t, env.book.Held().IsZero())
	require.Equal(t, uint64(500), env.bank.Balance(entry.Sender).Uint64())
	env.audit(t)

	// the key sets exactly once
	_, err = env.engine.Finalize(env.ctx, env.revealReq(t, entry.PID, k, blind))
	require.ErrorIs(t, err, errs.ErrKeyAlreadySet)
}

func TestEngineFinalizeReceipt(t *testing.T) {
	env := newEnv(t)

	entry, err := env.engine.Create(env.ctx, env.createReq(t, 0, 3000, common.Hash{}, nil))
	require.NoError(t, err)

	// a reveal makes no sense on a receipt-mode entry
	_, err = env.engine.Finalize(env.ctx, env.revealReq(t, entry.PID, common.HexToHash("0x01"), common.HexToHash("0x02")))
	require.ErrorIs(t, err, errs.ErrReceiptExpected)

	// a corrupted receipt rejects
	bad := env.receiptReq(t, entry)
	bad.Receipt[10] ^= 0xff
	// the finalize digest binds the receipt bytes, re-authorize the mangled ones
	bad.SenderSig, err = env.sender.Sign(exchange.FinalizeDigest(entry.PID, exchange.ReceiptHash(bad.Receipt)))
	require.NoError(t, err)
	_, err = env.engine.Finalize(env.ctx, bad)
	require.ErrorIs(t, err, errs.ErrInvalidSignature)

	// a receipt signed by the sender is not a receipt
	forged, err := env.sender.Sign(exchange.ReceiptDigest(entry.PID, entry.Sender, entry.T1, entry.T2, entry.Commitment))
	require.NoError(t, err)
	forgedSig, err := env.sender.Sign(exchange.FinalizeDigest(entry.PID, exchange.ReceiptHash(forged)))
	require.NoError(t, err)
	_, err = env.engine.Finalize(env.ctx, &FinalizeRequest{PID: entry.PID, Receipt: forged, SenderSig: forgedSig})
	require.ErrorIs(t, err, errs.ErrInvalidSignature)

	req := env.receiptReq(t, entry)
	final, err := env.engine.Finalize(env.ctx, req)
	require.NoError(t, err)
	require.Equal(t, req.Receipt, final.Signature)

	status, err := env.engine.Status(env.ctx, entry.PID)
	require.NoError(t, err)
	require.Equal(t, exchange.StatusFinalized, status)

	// the receipt sets exactly once
	_, err = env.engine.Finalize(env.ctx, env.receiptReq(t, entry))
	require.ErrorIs(t, err, errs.ErrSignatureAlreadySet)
}

func TestEngineFinalizeGates(t *testing.T) {
	env := newEnv(t)

	k := common.HexToHash("0x5ec0")
	blind := common.HexToHash("0xb11d")
	commitment := exchange.Commitment(k, blind)

	_, err := env.engine.Finalize(env.ctx, env.revealReq(t, common.HexToHash("0x99"), k, blind))
	require.ErrorIs(t, err, errs.ErrEntryNotFound)

	entry, err := env.engine.Create(env.ctx, env.createReq(t, 2000, 3000, commitment, uint256.NewInt(100)))
	require.NoError(t, err)

	// only the stored sender may finalize
	stranger := env.receiver
	strangerSig, err := stranger.Sign(exchange.FinalizeDigest(entry.PID, exchange.Commitment(k, blind)))
	require.NoError(t, err)
	_, err = env.engine.Finalize(env.ctx, &FinalizeRequest{PID: entry.PID, Key: k, Blind: blind, SenderSig: strangerSig})
	require.ErrorIs(t, err, errs.ErrNotSender)

	// a two-phase entry cannot finalize while its dispute is still pending
	_, err = env.engine.Finalize(env.ctx, env.revealReq(t, entry.PID, k, blind))
	require.ErrorIs(t, err, errs.ErrNotDisputed)

	// once the window closed undisputed, it never can
	env.clk.Advance(1500 * time.Second)
	_, err = env.engine.Finalize(env.ctx, env.revealReq(t, entry.PID, k, blind))
	require.ErrorIs(t, err, errs.ErrNeverDisputed)

	status, err := env.engine.Status(env.ctx, entry.PID)
	require.NoError(t, err)
	require.Equal(t, exchange.StatusAbandoned, status)

	// a disputed entry still cannot finalize past its deadline
	disputed, err := env.engine.Create(env.ctx, env.createReq(t, 2700, 3000, commitment, nil))
	require.NoError(t, err)
	_, err = env.engine.Dispute(env.ctx, env.disputeReq(t, disputed))
	require.NoError(t, err)

	env.clk.Advance(500 * time.Second) // now = 3000 = t2
	_, err = env.engine.Finalize(env.ctx, env.revealReq(t, disputed.PID, k, blind))
	require.ErrorIs(t, err, errs.ErrDeadlinePassed)

	loaded, err := env.engine.Get(env.ctx, disputed.PID)
	require.NoError(t, err)
	require.Equal(t, common.Hash{}, loaded.Key, "a late finalize must not set the key")

	status, err = env.engine.Status(env.ctx, disputed.PID)
	require.NoError(t, err)
	require.Equal(t, exchange.StatusExpired, status)

	// every gate left the escrow exactly as staked
	require.Equal(t, uint64(100), env.book.Held().Uint64())
	env.audit(t)
}

// TestEngineFinalizeTransferRejected drives a finalize whose pledge payout is
// rejected by the settlement port. The whole transition must roll back: no
// key, no released flag, escrow intact.
func TestEngineFinalizeTransferRejected(t *testing.T) {
	env := newEnv(t)

	online := false
	book := ledger.NewBook(test.Logger(t), func(ctx context.Context, to common.Address, amount *uint256.Int) error {
		if !online {
			return fmt.Errorf("settlement offline")
		}
		return env.bank.Transfer(ctx, to, amount)
	})
	eng, err := New(&Config{
		Store:  env.store,
		Book:   book,
		Clock:  env.clk,
		Logger: test.Logger(t),
	})
	require.NoError(t, err)

	k := common.HexToHash("0x5ec0")
	blind := common.HexToHash("0xb11d")

	entry, err := eng.Create(env.ctx, env.createReq(t, 0, 3000, exchange.Commitment(k, blind), uint256.NewInt(250)))
	require.NoError(t, err)
	require.Equal(t, uint64(250), book.Held().Uint64())

	_, err = eng.Finalize(env.ctx, env.revealReq(t, entry.PID, k, blind))
	require.ErrorIs(t, err, errs.ErrTransferFailed)

	loaded, err := eng.Get(env.ctx, entry.PID)
	require.NoError(t, err)
	require.Equal(t, common.Hash{}, loaded.Key)
	require.False(t, loaded.PledgeReleased)
	require.Equal(t, uint64(250), book.Held().Uint64())
	require.NoError(t, book.Audit(env.ctx, env.store))

	// the same finalize goes through once settlement is back
	online = true
	final, err := eng.Finalize(env.ctx, env.revealReq(t, entry.PID, k, blind))
	require.NoError(t, err)
	require.Equal(t, k, final.Key)
	require.True(t, final.PledgeReleased)
	require.True(t, book.Held().IsZero())
	require.Equal(t, uint64(250), env.bank.Balance(entry.Sender).Uint64())
	require.NoError(t, book.Audit(env.ctx, env.store))
}
