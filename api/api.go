// Package api defines the wire types of the public HTTP surface and a typed
// client for it. Byte fields travel hex-encoded; amounts travel as decimal
// strings.
package api

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/fairmail/fairmail/exchange"
	"github.com/fairmail/fairmail/exchange/engine"
)

// CreateRequest registers a new entry. Signatures are 65-byte R || S || V
// over the canonical digests, hex-encoded on the wire.
type CreateRequest struct {
	Sender      common.Address `json:"sender"`
	Receiver    common.Address `json:"receiver"`
	ContentHash common.Hash    `json:"content_hash"`
	T1          int64          `json:"t1,omitempty"`
	T2          int64          `json:"t2"`
	Commitment  common.Hash    `json:"commitment,omitempty"`
	Pledge      []byte         `json:"pledge,omitempty"`
	SenderSig   []byte         `json:"sender_sig"`
	ReceiverAck []byte         `json:"receiver_ack,omitempty"`
}

// Engine converts the wire request into the engine's form.
func (r *CreateRequest) Engine() *engine.CreateRequest {
	req := &engine.CreateRequest{
		Sender:      r.Sender,
		Receiver:    r.Receiver,
		ContentHash: r.ContentHash,
		T1:          r.T1,
		T2:          r.T2,
		Commitment:  r.Commitment,
		SenderSig:   r.SenderSig,
		ReceiverAck: r.ReceiverAck,
	}
	if len(r.Pledge) > 0 {
		req.Pledge = new(uint256.Int).SetBytes(r.Pledge)
	}
	return req
}

// DisputeRequest triggers the dispute phase; the pid rides in the URL.
type DisputeRequest struct {
	SenderSig   []byte `json:"sender_sig"`
	ReceiverSig []byte `json:"receiver_sig"`
}

// FinalizeRequest completes an entry, by key reveal or by receipt.
type FinalizeRequest struct {
	Key       common.Hash `json:"key,omitempty"`
	Blind     common.Hash `json:"blind,omitempty"`
	Receipt   []byte      `json:"receipt,omitempty"`
	SenderSig []byte      `json:"sender_sig"`
}

// StatusResponse reports the derived lifecycle state of an entry at the
// server's clock.
type StatusResponse struct {
	PID    common.Hash `json:"pid"`
	Status string      `json:"status"`
	Now    int64       `json:"now"`
}

// LedgerResponse reports the aggregate escrow balance.
type LedgerResponse struct {
	Held string `json:"held"`
	Now  int64  `json:"now"`
}

// Balance is one settled credit, as paid out by released pledges.
type Balance struct {
	Address common.Address `json:"address"`
	Amount  string         `json:"amount"`
}

// InfoResponse describes the server.
type InfoResponse struct {
	Version string `json:"version"`
	Storage string `json:"storage"`
	Now     int64  `json:"now"`
}

// Event mirrors engine.Event for the watch stream.
type Event struct {
	Type     string         `json:"type"`
	PID      common.Hash    `json:"pid"`
	Sender   common.Address `json:"sender"`
	Receiver common.Address `json:"receiver"`
	Amount   string         `json:"amount,omitempty"`
	Time     int64          `json:"time"`
}

// EventFrom converts an engine event to its wire form.
func EventFrom(ev engine.Event) Event {
	out := Event{
		Type:     string(ev.Type),
		PID:      ev.PID,
		Sender:   ev.Sender,
		Receiver: ev.Receiver,
		Time:     ev.Time,
	}
	if ev.Amount != nil {
		out.Amount = ev.Amount.ToBig().String()
	}
	return out
}

// ErrorResponse carries a protocol rejection. Error is the sentinel reason
// verbatim, Category its class; clients map them back with errors.ByReason.
type ErrorResponse struct {
	Error    string `json:"error"`
	Category string `json:"category,omitempty"`
}

// EntryResponse is exactly the stored entry; its JSON form is the entry wire
// encoding.
type EntryResponse = exchange.Entry
