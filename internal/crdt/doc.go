package crdt

import (
	"bytes"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// ID identifies a single operation: the replica that produced it and its
// position in that replica's clock sequence.
type ID struct {
	Client uint64
	Clock  uint64
}

func idLess(a, b ID) bool {
	if a.Client != b.Client {
		return a.Client < b.Client
	}
	return a.Clock < b.Clock
}

// Operation kinds carried inside an update blob.
const (
	opInsertText uint8 = 0
	opDeleteText uint8 = 1
	opMapSet     uint8 = 2
	opMapDelete  uint8 = 3
)

type op struct {
	kind    uint8
	id      ID
	name    string // text or map name
	origin  *ID    // insertText: left neighbour at insert time, nil = head
	content []rune // insertText
	targets []ID   // deleteText
	key     string // map ops
	value   string // mapSet
	ts      int64  // map ops, unix millis
}

// span is the number of clock values the operation consumes.
func (o op) span() uint64 {
	if o.kind == opInsertText {
		return uint64(len(o.content))
	}
	return 1
}

// MapEvent describes one key change observed on a named map.
type MapEvent struct {
	Key    string
	Action string // "insert", "update", "delete"
	Value  string
}

// ChangeSummary reports what an applied update touched. The classifier and
// the hub both key decisions off it.
type ChangeSummary struct {
	TextDelta  map[string]int        // visible-length delta per text name
	MapChanges map[string][]MapEvent // events per map name
}

// TextChanged reports whether any text sequence changed length.
func (s ChangeSummary) TextChanged() bool {
	for _, d := range s.TextDelta {
		if d != 0 {
			return true
		}
	}
	return false
}

// MapChangedExcept reports whether any map other than skip changed.
func (s ChangeSummary) MapChangedExcept(skip string) bool {
	for name, evs := range s.MapChanges {
		if name != skip && len(evs) > 0 {
			return true
		}
	}
	return false
}

func (s ChangeSummary) empty() bool {
	return !s.TextChanged() && len(s.MapChanges) == 0
}

func newSummary() *ChangeSummary {
	return &ChangeSummary{
		TextDelta:  make(map[string]int),
		MapChanges: make(map[string][]MapEvent),
	}
}

// ============================================================================
// DOCUMENT
// ============================================================================

// Doc is one CRDT replica. Concurrent updates commute: applying the same set
// of updates in any order (subject to per-client clock order, which the
// pending queue restores) yields the same state.
type Doc struct {
	mu      sync.Mutex
	client  uint64
	texts   map[string]*Text
	maps    map[string]*Map
	oplog   map[uint64][]op   // applied ops per client, clock order
	vector  map[uint64]uint64 // next expected clock per client
	pending []op

	observers map[string]map[int]func([]MapEvent)
	obsNext   int
}

// NewDoc creates an empty replica with a random client id.
func NewDoc() *Doc {
	return &Doc{
		client:    rand.Uint64()>>1 | 1, // non-zero, fits a varint comfortably
		texts:     make(map[string]*Text),
		maps:      make(map[string]*Map),
		oplog:     make(map[uint64][]op),
		vector:    make(map[uint64]uint64),
		observers: make(map[string]map[int]func([]MapEvent)),
	}
}

// ClientID returns the replica's client id.
func (d *Doc) ClientID() uint64 { return d.client }

// Text returns the named text sequence, creating it on first use.
func (d *Doc) Text(name string) *Text {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.textLocked(name)
}

func (d *Doc) textLocked(name string) *Text {
	t, ok := d.texts[name]
	if !ok {
		t = &Text{doc: d, name: name, byID: make(map[ID]*textItem)}
		d.texts[name] = t
	}
	return t
}

// Map returns the named last-writer-wins map, creating it on first use.
func (d *Doc) Map(name string) *Map {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mapLocked(name)
}

func (d *Doc) mapLocked(name string) *Map {
	m, ok := d.maps[name]
	if !ok {
		m = &Map{doc: d, name: name, entries: make(map[string]mapEntry)}
		d.maps[name] = m
	}
	return m
}

// ObserveMap subscribes to post-commit change events on the named map.
// The returned function cancels the subscription.
func (d *Doc) ObserveMap(name string, fn func([]MapEvent)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.observers[name] == nil {
		d.observers[name] = make(map[int]func([]MapEvent))
	}
	id := d.obsNext
	d.obsNext++
	d.observers[name][id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if subs := d.observers[name]; subs != nil {
			delete(subs, id)
		}
	}
}

// ============================================================================
// TRANSACTIONS
// ============================================================================

// Txn batches locally generated operations so they travel as one update.
type Txn struct {
	doc     *Doc
	ops     []op
	summary *ChangeSummary
}

// Transact runs fn, applies the operations it generates and returns the
// encoded update blob for broadcast. The lock is taken per operation, not
// across the closure, so fn may freely read the document through the usual
// accessors. Observers fire after commit.
func (d *Doc) Transact(fn func(*Txn)) ([]byte, ChangeSummary) {
	txn := &Txn{doc: d, summary: newSummary()}
	fn(txn)
	update := encodeOps(txn.ops)
	summary := *txn.summary

	d.notify(summary)
	return update, summary
}

// localOp assigns the next local clock, integrates immediately and records
// the op for later encoding. Callers hold d.mu.
func (d *Doc) localOp(txn *Txn, o op) {
	o.id = ID{Client: d.client, Clock: d.vector[d.client]}
	if ok := d.integrate(o, txn.summary); !ok {
		// Local ops always have their dependencies present.
		panic(fmt.Sprintf("crdt: local op failed to integrate (%s %q)", opKindName(o.kind), o.name))
	}
	txn.ops = append(txn.ops, o)
}

func opKindName(k uint8) string {
	switch k {
	case opInsertText:
		return "insertText"
	case opDeleteText:
		return "deleteText"
	case opMapSet:
		return "mapSet"
	case opMapDelete:
		return "mapDelete"
	}
	return "unknown"
}

// ============================================================================
// UPDATE APPLICATION
// ============================================================================

// ApplyUpdate decodes and integrates a remote update blob. Out-of-order
// operations are parked on the pending queue until their dependencies
// arrive. Idempotent: already-applied operations are skipped.
func (d *Doc) ApplyUpdate(update []byte) (ChangeSummary, error) {
	ops, err := decodeOps(update)
	if err != nil {
		return ChangeSummary{}, err
	}

	d.mu.Lock()
	summary := newSummary()
	queue := append(ops, d.pending...)
	d.pending = nil
	for {
		progressed := false
		var stuck []op
		for _, o := range queue {
			next := d.vector[o.id.Client]
			switch {
			case o.id.Clock < next:
				// already applied
			case o.id.Clock > next || !d.depsPresent(o):
				stuck = append(stuck, o)
			default:
				if d.integrate(o, summary) {
					progressed = true
				} else {
					stuck = append(stuck, o)
				}
			}
		}
		queue = stuck
		if !progressed || len(queue) == 0 {
			break
		}
	}
	d.pending = queue
	out := *summary
	d.mu.Unlock()

	d.notify(out)
	return out, nil
}

// depsPresent reports whether an op's structural dependencies exist.
func (d *Doc) depsPresent(o op) bool {
	switch o.kind {
	case opInsertText:
		if o.origin == nil {
			return true
		}
		t := d.textLocked(o.name)
		_, ok := t.byID[*o.origin]
		return ok
	case opDeleteText:
		t := d.textLocked(o.name)
		for _, target := range o.targets {
			if _, ok := t.byID[target]; !ok {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// integrate applies one op whose dependencies are present. Returns false only
// on a structural conflict (treated as pending). Callers hold d.mu.
func (d *Doc) integrate(o op, summary *ChangeSummary) bool {
	switch o.kind {
	case opInsertText:
		d.textLocked(o.name).integrateInsert(o, summary)
	case opDeleteText:
		d.textLocked(o.name).integrateDelete(o, summary)
	case opMapSet, opMapDelete:
		d.mapLocked(o.name).integrate(o, summary)
	default:
		return false
	}
	d.vector[o.id.Client] = o.id.Clock + o.span()
	d.oplog[o.id.Client] = append(d.oplog[o.id.Client], o)
	return true
}

// notify dispatches map observers outside the doc lock.
func (d *Doc) notify(summary ChangeSummary) {
	for name, evs := range summary.MapChanges {
		if len(evs) == 0 {
			continue
		}
		d.mu.Lock()
		var fns []func([]MapEvent)
		for _, fn := range d.observers[name] {
			fns = append(fns, fn)
		}
		d.mu.Unlock()
		for _, fn := range fns {
			fn(evs)
		}
	}
}

// ============================================================================
// STATE ENCODING
// ============================================================================

// EncodeStateVector encodes the replica's version vector.
func (d *Doc) EncodeStateVector() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	var buf bytes.Buffer
	clients := make([]uint64, 0, len(d.vector))
	for c := range d.vector {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	WriteVarUint(&buf, uint64(len(clients)))
	for _, c := range clients {
		WriteVarUint(&buf, c)
		WriteVarUint(&buf, d.vector[c])
	}
	return buf.Bytes()
}

func decodeStateVector(b []byte) (map[uint64]uint64, error) {
	sv := make(map[uint64]uint64)
	if len(b) == 0 {
		return sv, nil
	}
	n, rest, err := ReadVarUint(b)
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < n; i++ {
		var client, clock uint64
		if client, rest, err = ReadVarUint(rest); err != nil {
			return nil, err
		}
		if clock, rest, err = ReadVarUint(rest); err != nil {
			return nil, err
		}
		sv[client] = clock
	}
	return sv, nil
}

// EncodeStateAsUpdate encodes every operation the remote state vector is
// missing. A nil or empty vector yields the full state.
func (d *Doc) EncodeStateAsUpdate(stateVector []byte) ([]byte, error) {
	sv, err := decodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []op
	for client, log := range d.oplog {
		have := sv[client]
		for _, o := range log {
			if o.id.Clock >= have {
				out = append(out, o)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return idLess(out[i].id, out[j].id) })
	return encodeOps(out), nil
}

// Fork clones the replica into a fresh document with its own client id.
// Used for scratch classification and raw-snapshot recovery.
func (d *Doc) Fork() (*Doc, error) {
	full, err := d.EncodeStateAsUpdate(nil)
	if err != nil {
		return nil, err
	}
	fork := NewDoc()
	if _, err := fork.ApplyUpdate(full); err != nil {
		return nil, err
	}
	return fork, nil
}

// ============================================================================
// OP WIRE FORMAT
// ============================================================================

// updateHeader is the leading byte of every encoded update blob. It sits
// outside the framed message type space so a raw update on the wire is never
// mistaken for a protocol message.
const updateHeader uint8 = 0xC1

func encodeOps(ops []op) []byte {
	var buf bytes.Buffer
	buf.WriteByte(updateHeader)
	WriteVarUint(&buf, uint64(len(ops)))
	for _, o := range ops {
		buf.WriteByte(o.kind)
		WriteVarUint(&buf, o.id.Client)
		WriteVarUint(&buf, o.id.Clock)
		writeVarString(&buf, o.name)
		switch o.kind {
		case opInsertText:
			if o.origin != nil {
				buf.WriteByte(1)
				WriteVarUint(&buf, o.origin.Client)
				WriteVarUint(&buf, o.origin.Clock)
			} else {
				buf.WriteByte(0)
			}
			writeVarString(&buf, string(o.content))
		case opDeleteText:
			WriteVarUint(&buf, uint64(len(o.targets)))
			for _, t := range o.targets {
				WriteVarUint(&buf, t.Client)
				WriteVarUint(&buf, t.Clock)
			}
		case opMapSet:
			writeVarString(&buf, o.key)
			writeVarString(&buf, o.value)
			WriteVarUint(&buf, uint64(o.ts))
		case opMapDelete:
			writeVarString(&buf, o.key)
			WriteVarUint(&buf, uint64(o.ts))
		}
	}
	return buf.Bytes()
}

func decodeOps(b []byte) ([]op, error) {
	if len(b) == 0 || b[0] != updateHeader {
		return nil, fmt.Errorf("crdt: not an update blob")
	}
	n, rest, err := ReadVarUint(b[1:])
	if err != nil {
		return nil, err
	}
	if n > uint64(len(b)) {
		return nil, fmt.Errorf("crdt: implausible op count %d", n)
	}
	ops := make([]op, 0, n)
	for i := uint64(0); i < n; i++ {
		if len(rest) == 0 {
			return nil, ErrTruncated
		}
		var o op
		o.kind = rest[0]
		rest = rest[1:]
		if o.id.Client, rest, err = ReadVarUint(rest); err != nil {
			return nil, err
		}
		if o.id.Clock, rest, err = ReadVarUint(rest); err != nil {
			return nil, err
		}
		if o.name, rest, err = readVarString(rest); err != nil {
			return nil, err
		}
		switch o.kind {
		case opInsertText:
			if len(rest) == 0 {
				return nil, ErrTruncated
			}
			hasOrigin := rest[0] == 1
			rest = rest[1:]
			if hasOrigin {
				var origin ID
				if origin.Client, rest, err = ReadVarUint(rest); err != nil {
					return nil, err
				}
				if origin.Clock, rest, err = ReadVarUint(rest); err != nil {
					return nil, err
				}
				o.origin = &origin
			}
			var content string
			if content, rest, err = readVarString(rest); err != nil {
				return nil, err
			}
			o.content = []rune(content)
			if len(o.content) == 0 {
				return nil, fmt.Errorf("crdt: empty insert op")
			}
		case opDeleteText:
			var count uint64
			if count, rest, err = ReadVarUint(rest); err != nil {
				return nil, err
			}
			if count > uint64(len(b)) {
				return nil, fmt.Errorf("crdt: implausible delete count %d", count)
			}
			o.targets = make([]ID, count)
			for j := range o.targets {
				if o.targets[j].Client, rest, err = ReadVarUint(rest); err != nil {
					return nil, err
				}
				if o.targets[j].Clock, rest, err = ReadVarUint(rest); err != nil {
					return nil, err
				}
			}
		case opMapSet:
			if o.key, rest, err = readVarString(rest); err != nil {
				return nil, err
			}
			if o.value, rest, err = readVarString(rest); err != nil {
				return nil, err
			}
			var ts uint64
			if ts, rest, err = ReadVarUint(rest); err != nil {
				return nil, err
			}
			o.ts = int64(ts)
		case opMapDelete:
			if o.key, rest, err = readVarString(rest); err != nil {
				return nil, err
			}
			var ts uint64
			if ts, rest, err = ReadVarUint(rest); err != nil {
				return nil, err
			}
			o.ts = int64(ts)
		default:
			return nil, fmt.Errorf("crdt: unknown op kind %d", o.kind)
		}
		ops = append(ops, o)
	}
	return ops, nil
}

func nowMillis() int64 { return time.Now().UnixMilli() }
