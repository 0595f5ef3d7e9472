package engine

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// EventType names a protocol transition observers can subscribe to.
type EventType string

const (
	// EventCreated fires when an entry is registered.
	EventCreated EventType = "created"
	// EventDisputed fires when the dispute phase is triggered.
	EventDisputed EventType = "disputed"
	// EventFinalized fires when the key or receipt is set.
	EventFinalized EventType = "finalized"
	// EventPledgeReleased fires when escrowed value is paid out.
	EventPledgeReleased EventType = "pledge_released"
)

// Event describes one committed transition. Events are advisory: they fire
// after the transition committed, and no protocol rule depends on their
// delivery.
type Event struct {
	Type     EventType
	PID      common.Hash
	Sender   common.Address
	Receiver common.Address
	// Amount carries the released value on pledge_released events.
	Amount *uint256.Int
	Time   int64
}

// callbackRegistry keeps a list of functions to notify on transitions.
type callbackRegistry struct {
	sync.Mutex
	cbs map[string]func(Event)
}

func newCallbackRegistry() *callbackRegistry {
	return &callbackRegistry{
		cbs: make(map[string]func(Event)),
	}
}

// AddCallback registers a function called in a goroutine for each committed
// transition. Re-registering an id replaces the previous callback.
func (e *Engine) AddCallback(id string, fn func(Event)) {
	e.callbacks.Lock()
	defer e.callbacks.Unlock()
	e.callbacks.cbs[id] = fn
}

// RemoveCallback unregisters the callback under id.
func (e *Engine) RemoveCallback(id string) {
	e.callbacks.Lock()
	defer e.callbacks.Unlock()
	delete(e.callbacks.cbs, id)
}

func (e *Engine) emit(ev Event) {
	go func() {
		e.callbacks.Lock()
		defer e.callbacks.Unlock()
		for _, cb := range e.callbacks.cbs {
			cb(ev)
		}
	}()
}
