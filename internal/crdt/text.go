package crdt

import "sort"

// textItem is one rune in the RGA tree. Children are the items inserted
// directly after this one, ordered by descending ID so concurrent inserts
// resolve the same way on every replica.
type textItem struct {
	id       ID
	ch       rune
	deleted  bool
	children []*textItem
}

// Text is a collaborative text sequence. Character order is the pre-order
// walk of the RGA tree; deletions leave tombstones.
type Text struct {
	doc  *Doc
	name string

	root    []*textItem // items inserted at the head
	byID    map[ID]*textItem
	visible int

	flat  []*textItem // cached pre-order walk, rebuilt when dirty
	dirty bool
}

// Len returns the number of visible runes.
func (t *Text) Len() int {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	return t.visible
}

// String renders the visible text.
func (t *Text) String() string {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	out := make([]rune, 0, t.visible)
	for _, it := range t.walk() {
		if !it.deleted {
			out = append(out, it.ch)
		}
	}
	return string(out)
}

// Insert adds s at the visible rune index within the transaction.
func (t *Text) Insert(txn *Txn, index int, s string) {
	runes := []rune(s)
	if len(runes) == 0 {
		return
	}
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	var origin *ID
	if prev := t.visibleAt(index - 1); prev != nil {
		id := prev.id
		origin = &id
	}
	t.doc.localOp(txn, op{
		kind:    opInsertText,
		name:    t.name,
		origin:  origin,
		content: runes,
	})
}

// Delete removes n visible runes starting at index within the transaction.
func (t *Text) Delete(txn *Txn, index, n int) {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	var targets []ID
	for i := 0; i < n; i++ {
		it := t.visibleAt(index + i)
		if it == nil {
			break
		}
		targets = append(targets, it.id)
	}
	if len(targets) == 0 {
		return
	}
	t.doc.localOp(txn, op{kind: opDeleteText, name: t.name, targets: targets})
}

// visibleAt returns the idx-th visible item, nil for idx < 0 or past the end.
// Callers hold doc.mu.
func (t *Text) visibleAt(idx int) *textItem {
	if idx < 0 {
		return nil
	}
	seen := 0
	for _, it := range t.walk() {
		if it.deleted {
			continue
		}
		if seen == idx {
			return it
		}
		seen++
	}
	return nil
}

// integrateInsert expands an insert run into per-rune tree nodes. The first
// rune attaches under the op's origin; each following rune chains after the
// previous one. Callers hold doc.mu.
func (t *Text) integrateInsert(o op, summary *ChangeSummary) {
	origin := o.origin
	for i, ch := range o.content {
		id := ID{Client: o.id.Client, Clock: o.id.Clock + uint64(i)}
		if _, exists := t.byID[id]; exists {
			origin = &id
			continue
		}
		item := &textItem{id: id, ch: ch}
		t.byID[id] = item
		if origin == nil {
			t.root = insertSibling(t.root, item)
		} else {
			parent := t.byID[*origin]
			parent.children = insertSibling(parent.children, item)
		}
		t.visible++
		summary.TextDelta[t.name]++
		next := id
		origin = &next
	}
	t.dirty = true
}

// integrateDelete tombstones each target. Callers hold doc.mu.
func (t *Text) integrateDelete(o op, summary *ChangeSummary) {
	for _, target := range o.targets {
		it := t.byID[target]
		if it == nil || it.deleted {
			continue
		}
		it.deleted = true
		t.visible--
		summary.TextDelta[t.name]--
	}
}

// insertSibling keeps a child list ordered by descending ID.
func insertSibling(siblings []*textItem, item *textItem) []*textItem {
	pos := sort.Search(len(siblings), func(i int) bool {
		return idLess(siblings[i].id, item.id)
	})
	siblings = append(siblings, nil)
	copy(siblings[pos+1:], siblings[pos:])
	siblings[pos] = item
	return siblings
}

// walk returns the pre-order item sequence, rebuilding the cache if needed.
// Callers hold doc.mu.
func (t *Text) walk() []*textItem {
	if !t.dirty && t.flat != nil {
		return t.flat
	}
	t.flat = t.flat[:0]
	var visit func(items []*textItem)
	visit = func(items []*textItem) {
		for _, it := range items {
			t.flat = append(t.flat, it)
			visit(it.children)
		}
	}
	visit(t.root)
	t.dirty = false
	return t.flat
}
