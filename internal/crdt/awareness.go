package crdt

import (
	"bytes"
	"sort"
	"sync"
	"time"
)

// nullState marks a removed client in an awareness update.
var nullState = []byte("null")

type awarenessEntry struct {
	clock    uint64
	state    []byte // JSON object, nil when removed
	lastSeen time.Time
}

// Awareness tracks ephemeral presence state per client (cursor, user meta,
// transient broadcast fields). Nothing here is persisted; a removed client
// is announced with a null state.
type Awareness struct {
	mu       sync.Mutex
	clientID uint64
	clock    uint64
	states   map[uint64]awarenessEntry
}

// NewAwareness creates a registry bound to the given local client id.
func NewAwareness(clientID uint64) *Awareness {
	return &Awareness{
		clientID: clientID,
		states:   make(map[uint64]awarenessEntry),
	}
}

// SetLocalState replaces the local client's state (nil removes it) and
// returns the encoded awareness payload announcing the change.
func (a *Awareness) SetLocalState(state []byte) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clock++
	if state == nil {
		delete(a.states, a.clientID)
	} else {
		a.states[a.clientID] = awarenessEntry{clock: a.clock, state: state, lastSeen: time.Now()}
	}
	return a.encodeLocked([]uint64{a.clientID})
}

// LocalState returns the local client's current state, nil if removed.
func (a *Awareness) LocalState() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.states[a.clientID]; ok {
		return e.state
	}
	return nil
}

// ApplyUpdate merges a remote awareness payload and returns the client ids
// whose state changed. Stale clocks are ignored.
func (a *Awareness) ApplyUpdate(payload []byte) ([]uint64, error) {
	n, rest, err := ReadVarUint(payload)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	var changed []uint64
	for i := uint64(0); i < n; i++ {
		var client, clock uint64
		var state []byte
		if client, rest, err = ReadVarUint(rest); err != nil {
			return changed, err
		}
		if clock, rest, err = ReadVarUint(rest); err != nil {
			return changed, err
		}
		if state, rest, err = ReadVarBytes(rest); err != nil {
			return changed, err
		}
		prev, known := a.states[client]
		if known && prev.clock >= clock {
			continue
		}
		if bytes.Equal(state, nullState) {
			if known {
				delete(a.states, client)
				changed = append(changed, client)
			}
			continue
		}
		a.states[client] = awarenessEntry{clock: clock, state: append([]byte(nil), state...), lastSeen: time.Now()}
		changed = append(changed, client)
	}
	return changed, nil
}

// RemoveClient drops a client and returns the payload announcing removal.
func (a *Awareness) RemoveClient(client uint64) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.states[client]
	if !ok {
		return nil
	}
	delete(a.states, client)
	var buf bytes.Buffer
	WriteVarUint(&buf, 1)
	WriteVarUint(&buf, client)
	WriteVarUint(&buf, e.clock+1)
	WriteVarBytes(&buf, nullState)
	return buf.Bytes()
}

// EncodeAll encodes every known client state, for replying to a
// QueryAwareness message.
func (a *Awareness) EncodeAll() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	clients := make([]uint64, 0, len(a.states))
	for c := range a.states {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	return a.encodeLocked(clients)
}

// Clients returns the ids with live state.
func (a *Awareness) Clients() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]uint64, 0, len(a.states))
	for c := range a.states {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (a *Awareness) encodeLocked(clients []uint64) []byte {
	var buf bytes.Buffer
	WriteVarUint(&buf, uint64(len(clients)))
	for _, c := range clients {
		WriteVarUint(&buf, c)
		e, ok := a.states[c]
		if !ok {
			WriteVarUint(&buf, a.clock)
			WriteVarBytes(&buf, nullState)
			continue
		}
		WriteVarUint(&buf, e.clock)
		WriteVarBytes(&buf, e.state)
	}
	return buf.Bytes()
}
