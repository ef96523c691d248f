package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/peakdocs/collab/internal/hub"
	"github.com/peakdocs/collab/internal/permissions"
)

// PubSub is the minimal pub/sub surface the relay needs. Kept narrow so
// tests can substitute an in-process loopback.
type PubSub interface {
	// Publish sends a message to a channel.
	Publish(ctx context.Context, channel string, message []byte) error

	// Subscribe registers a handler for messages on a channel and returns an
	// unsubscribe function.
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (unsubscribe func(), err error)
}

// Relay forwards permission changes and document deletions between pods over
// pub/sub. The receiving pod applies the change to its live hub only; the
// durable store was already written by the pod that served the HTTP call.
type Relay struct {
	pubsub   PubSub
	prefix   string
	node     string
	registry *hub.Registry
	unsubs   []func()
}

const (
	channelPermission = "permission"
	channelDeletion   = "deletion"
)

type relayPermissionMsg struct {
	Node      string `json:"node"`
	Owner     string `json:"owner"`
	Permlink  string `json:"permlink"`
	Account   string `json:"account"`
	Level     string `json:"level"`
	GrantedBy string `json:"grantedBy"`
}

type relayDeletionMsg struct {
	Node     string `json:"node"`
	Owner    string `json:"owner"`
	Permlink string `json:"permlink"`
}

// NewRelay builds a relay over pubsub. prefix namespaces the channels so
// several deployments can share one Redis.
func NewRelay(pubsub PubSub, prefix string, registry *hub.Registry) *Relay {
	if prefix == "" {
		prefix = "collab:relay:"
	}
	return &Relay{
		pubsub:   pubsub,
		prefix:   prefix,
		node:     uuid.NewString(),
		registry: registry,
	}
}

// Start subscribes to the relay channels.
func (r *Relay) Start(ctx context.Context) error {
	unsub, err := r.pubsub.Subscribe(ctx, r.prefix+channelPermission, r.onPermission)
	if err != nil {
		return fmt.Errorf("subscribe permission channel: %w", err)
	}
	r.unsubs = append(r.unsubs, unsub)

	unsub, err = r.pubsub.Subscribe(ctx, r.prefix+channelDeletion, r.onDeletion)
	if err != nil {
		r.Close()
		return fmt.Errorf("subscribe deletion channel: %w", err)
	}
	r.unsubs = append(r.unsubs, unsub)

	slog.Info("broadcast relay started", "node", r.node, "prefix", r.prefix)
	return nil
}

// Close drops the subscriptions.
func (r *Relay) Close() {
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.unsubs = nil
}

// PublishPermission fans a permission change out to the other pods.
func (r *Relay) PublishPermission(ctx context.Context, doc hub.DocumentID, update hub.PermissionUpdate) error {
	msg, err := json.Marshal(relayPermissionMsg{
		Node:      r.node,
		Owner:     doc.Owner,
		Permlink:  doc.Permlink,
		Account:   update.Account,
		Level:     string(update.Level),
		GrantedBy: update.GrantedBy,
	})
	if err != nil {
		return err
	}
	return r.pubsub.Publish(ctx, r.prefix+channelPermission, msg)
}

// PublishDeletion fans a document deletion out to the other pods.
func (r *Relay) PublishDeletion(ctx context.Context, doc hub.DocumentID) error {
	msg, err := json.Marshal(relayDeletionMsg{
		Node:     r.node,
		Owner:    doc.Owner,
		Permlink: doc.Permlink,
	})
	if err != nil {
		return err
	}
	return r.pubsub.Publish(ctx, r.prefix+channelDeletion, msg)
}

func (r *Relay) onPermission(data []byte) {
	var msg relayPermissionMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("relay: bad permission message", "error", err)
		return
	}
	if msg.Node == r.node {
		return // our own publish
	}
	level, err := permissions.ParseLevel(msg.Level)
	if err != nil {
		slog.Warn("relay: bad permission level", "level", msg.Level)
		return
	}
	docID := hub.DocumentID{Owner: msg.Owner, Permlink: msg.Permlink}
	h := r.registry.Get(docID)
	if h == nil {
		return
	}
	if err := h.IngestPermissionUpdate(hub.PermissionUpdate{
		Account:   msg.Account,
		Level:     level,
		GrantedBy: msg.GrantedBy,
	}); err != nil {
		slog.Warn("relay: permission ingest failed", "doc", docID, "error", err)
	}
}

func (r *Relay) onDeletion(data []byte) {
	var msg relayDeletionMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("relay: bad deletion message", "error", err)
		return
	}
	if msg.Node == r.node {
		return
	}
	docID := hub.DocumentID{Owner: msg.Owner, Permlink: msg.Permlink}
	if h := r.registry.Get(docID); h != nil {
		h.DeleteDocument()
	}
}

// ============================================================================
// REDIS ADAPTER
// ============================================================================

// RedisPubSub adapts go-redis v9 to the PubSub interface.
type RedisPubSub struct {
	rdb *redis.Client
}

// NewRedisPubSub connects and verifies the connection with a ping.
func NewRedisPubSub(addr, password string, db int) (*RedisPubSub, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping (%s): %w", addr, err)
	}
	slog.Info("redis connected", "addr", addr, "db", db)
	return &RedisPubSub{rdb: rdb}, nil
}

func (p *RedisPubSub) Close() error { return p.rdb.Close() }

func (p *RedisPubSub) Publish(ctx context.Context, channel string, message []byte) error {
	return p.rdb.Publish(ctx, channel, message).Err()
}

func (p *RedisPubSub) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	sub := p.rdb.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()
	return func() { sub.Close() }, nil
}
