package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Registry is the process-wide map from document id to live hub. Creation
// is mutually exclusive per id: concurrent attaches for the same document
// observe exactly one construction (and exactly one snapshot load).
type Registry struct {
	cfg  Config
	deps Deps

	mu       sync.Mutex
	hubs     map[DocumentID]*Hub
	creating map[DocumentID]*creation

	loadTimeout func(context.Context) (context.Context, context.CancelFunc)
}

type creation struct {
	done chan struct{}
	hub  *Hub
	err  error
}

// NewRegistry builds the registry. loadTimeout bounds snapshot loads during
// hub cold-start.
func NewRegistry(cfg Config, deps Deps, loadTimeout func(context.Context) (context.Context, context.CancelFunc)) *Registry {
	if loadTimeout == nil {
		loadTimeout = func(ctx context.Context) (context.Context, context.CancelFunc) {
			return context.WithCancel(ctx)
		}
	}
	return &Registry{
		cfg:         cfg,
		deps:        deps,
		hubs:        make(map[DocumentID]*Hub),
		creating:    make(map[DocumentID]*creation),
		loadTimeout: loadTimeout,
	}
}

// Get returns the live hub for id, nil if none.
func (r *Registry) Get(id DocumentID) *Hub {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hubs[id]
}

// Attach resolves (creating if needed) the hub for id and binds the
// connection. A hub caught mid-reap nacks the attach; the registry then
// discards it and builds a replacement from the flushed snapshot.
func (r *Registry) Attach(ctx context.Context, id DocumentID, conn Conn, sess Session) (*Hub, error) {
	for {
		h, err := r.getOrCreate(ctx, id)
		if err != nil {
			return nil, err
		}
		if h.Attach(conn, sess) {
			return h, nil
		}
		r.drop(id, h)
	}
}

func (r *Registry) getOrCreate(ctx context.Context, id DocumentID) (*Hub, error) {
	r.mu.Lock()
	if h, ok := r.hubs[id]; ok {
		r.mu.Unlock()
		return h, nil
	}
	if c, ok := r.creating[id]; ok {
		r.mu.Unlock()
		select {
		case <-c.done:
			return c.hub, c.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c := &creation{done: make(chan struct{})}
	r.creating[id] = c
	r.mu.Unlock()

	c.hub, c.err = r.build(ctx, id)

	r.mu.Lock()
	delete(r.creating, id)
	if c.err == nil {
		r.hubs[id] = c.hub
	}
	r.mu.Unlock()
	close(c.done)
	return c.hub, c.err
}

// build loads the snapshot and constructs the hub. Load failures abort:
// the hub is not created and the caller surfaces an auth-style error.
func (r *Registry) build(ctx context.Context, id DocumentID) (*Hub, error) {
	loadCtx, cancel := r.loadTimeout(ctx)
	defer cancel()
	snapshot, err := r.deps.Documents.Load(loadCtx, id.Owner, id.Permlink)
	if err != nil {
		return nil, fmt.Errorf("load document %s: %w", id, err)
	}
	h, err := New(id, snapshot, r.cfg, r.deps, func(closed *Hub) {
		r.drop(id, closed)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("hub created", "doc", id, "cold", snapshot == nil)
	return h, nil
}

// drop removes the mapping only if it still points at h.
func (r *Registry) drop(id DocumentID, h *Hub) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hubs[id] == h {
		delete(r.hubs, id)
	}
}

// Stats reports the live totals for the health endpoint.
func (r *Registry) Stats() (activeConnections, activeDocuments int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.hubs {
		activeConnections += h.ConnCount()
	}
	return activeConnections, len(r.hubs)
}

// Shutdown flushes and closes every hub.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	hubs := make([]*Hub, 0, len(r.hubs))
	for _, h := range r.hubs {
		hubs = append(hubs, h)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range hubs {
		wg.Add(1)
		go func(h *Hub) {
			defer wg.Done()
			h.Shutdown(ctx)
		}(h)
	}
	wg.Wait()
}
