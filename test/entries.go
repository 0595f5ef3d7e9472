package test

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/fairmail/fairmail/exchange"
)

// Entries returns n distinct entries with deterministic fields, ready to be
// fed to a store under test. Even-indexed entries carry a pledge, odd ones
// do not.
func Entries(n int) []*exchange.Entry {
	entries := make([]*exchange.Entry, 0, n)
	for i := 0; i < n; i++ {
		var seed [8]byte
		binary.BigEndian.PutUint64(seed[:], uint64(i))

		sender := common.BytesToAddress(crypto.Keccak256(seed[:], []byte("sender"))[:20])
		receiver := common.BytesToAddress(crypto.Keccak256(seed[:], []byte("receiver"))[:20])
		content := crypto.Keccak256Hash(seed[:], []byte("content"))

		e := &exchange.Entry{
			PID:        exchange.PID(sender, receiver, content),
			Sender:     sender,
			Receiver:   receiver,
			T1:         int64(1000 + i),
			T2:         int64(2000 + i),
			Commitment: crypto.Keccak256Hash(seed[:], []byte("commitment")),
			CreatedAt:  int64(100 + i),
		}
		if i%2 == 0 {
			e.Pledge = uint256.NewInt(uint64(10 + i))
		}
		entries = append(entries, e)
	}
	return entries
}
