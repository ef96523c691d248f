package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peakdocs/collab/internal/hub"
	"github.com/peakdocs/collab/internal/permissions"
	"github.com/peakdocs/collab/internal/store"
)

const testSecret = "hunter2"

type apiHarness struct {
	srv      *httptest.Server
	registry *hub.Registry
	perms    *permissions.MemoryStore
	docs     *store.MemoryDocumentStore
}

func newAPIHarness(t *testing.T, relay *Relay) *apiHarness {
	t.Helper()
	docs := store.NewMemoryDocumentStore()
	deps := hub.Deps{Documents: docs, Activity: store.NewMemoryActivityLogger()}
	cfg := hub.Config{
		Grace:       0,
		Debounce:    10 * time.Millisecond,
		MaxDebounce: 50 * time.Millisecond,
		SaveTimeout: time.Second,
	}
	registry := hub.NewRegistry(cfg, deps, nil)
	perms := permissions.NewMemoryStore()
	api := NewAPI(registry, perms, relay, nil, testSecret)
	srv := httptest.NewServer(api.Router())
	t.Cleanup(func() {
		registry.Shutdown(context.Background())
		srv.Close()
	})
	return &apiHarness{srv: srv, registry: registry, perms: perms, docs: docs}
}

func (h *apiHarness) post(t *testing.T, path string, body any, secret string) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, h.srv.URL+path, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("x-internal-auth", secret)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

type nopConn struct{ id string }

func (n *nopConn) ID() string                { return n.id }
func (n *nopConn) Send([]byte)               {}
func (n *nopConn) SendTransient([]byte) bool { return true }
func (n *nopConn) Close(int, string)         {}

func attachConn(t *testing.T, registry *hub.Registry, doc hub.DocumentID, account string) *hub.Hub {
	t.Helper()
	sess := hub.NewSession(account, doc, permissions.Capabilities(permissions.LevelOwner), time.Now())
	h, err := registry.Attach(context.Background(), doc, &nopConn{id: account}, sess)
	require.NoError(t, err)
	return h
}

func TestRequireSecret(t *testing.T) {
	h := newAPIHarness(t, nil)

	resp, body := h.post(t, "/broadcast/permission-change", PermissionChangeRequest{}, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, false, body["success"])

	resp, _ = h.post(t, "/broadcast/permission-change", PermissionChangeRequest{}, "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPermissionChangeValidation(t *testing.T) {
	h := newAPIHarness(t, nil)

	resp, _ := h.post(t, "/broadcast/permission-change", PermissionChangeRequest{
		Owner: "alice", Permlink: "welcome",
	}, testSecret)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// grantedBy is required: the ACL row records who made the change.
	resp, _ = h.post(t, "/broadcast/permission-change", PermissionChangeRequest{
		Owner: "alice", Permlink: "welcome", Account: "bob", Level: "editable",
	}, testSecret)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.post(t, "/broadcast/permission-change", PermissionChangeRequest{
		Owner: "alice", Permlink: "welcome", Account: "bob", Level: "superuser", GrantedBy: "alice",
	}, testSecret)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPermissionChangeColdDocument(t *testing.T) {
	h := newAPIHarness(t, nil)

	resp, body := h.post(t, "/broadcast/permission-change", PermissionChangeRequest{
		Owner: "alice", Permlink: "welcome", Account: "bob", Level: "editable", GrantedBy: "alice",
	}, testSecret)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, false, body["broadcast"], "no live hub to deliver to")

	// The durable row is written regardless.
	eff, err := h.perms.Resolve(context.Background(), "bob", "alice", "welcome")
	require.NoError(t, err)
	assert.Equal(t, permissions.LevelEditable, eff.Level)
}

func TestPermissionChangeLiveDocument(t *testing.T) {
	h := newAPIHarness(t, nil)
	doc := hub.DocumentID{Owner: "alice", Permlink: "welcome"}
	liveHub := attachConn(t, h.registry, doc, "alice")

	resp, body := h.post(t, "/broadcast/permission-change", PermissionChangeRequest{
		Owner: "alice", Permlink: "welcome", Account: "bob", Level: "editable", GrantedBy: "alice",
	}, testSecret)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["broadcast"])

	level, ok := liveHub.PermissionsSnapshot()["bob"]
	require.True(t, ok)
	assert.Equal(t, "editable", level)
}

func TestDocumentDeletionClosesLiveHub(t *testing.T) {
	h := newAPIHarness(t, nil)
	doc := hub.DocumentID{Owner: "alice", Permlink: "welcome"}
	attachConn(t, h.registry, doc, "alice")

	resp, body := h.post(t, "/broadcast/document-deletion", DocumentDeletionRequest{
		Owner: "alice", Permlink: "welcome",
	}, testSecret)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["broadcast"])

	require.Eventually(t, func() bool {
		return h.registry.Get(doc) == nil
	}, time.Second, 5*time.Millisecond)
}

func TestHealth(t *testing.T) {
	h := newAPIHarness(t, nil)
	doc := hub.DocumentID{Owner: "alice", Permlink: "welcome"}
	attachConn(t, h.registry, doc, "alice")

	req, err := http.NewRequest(http.MethodGet, h.srv.URL+"/broadcast/health", nil)
	require.NoError(t, err)
	req.Header.Set("x-internal-auth", testSecret)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["activeConnections"])
	assert.Equal(t, float64(1), body["activeDocuments"])
}

func TestMetricsEndpointServes(t *testing.T) {
	h := newAPIHarness(t, nil)
	resp, err := http.Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// ============================================================================
// RELAY
// ============================================================================

// loopbackPubSub delivers published messages to every subscriber in-process,
// standing in for Redis.
type loopbackPubSub struct {
	mu   sync.Mutex
	subs map[string][]func([]byte)
}

func newLoopbackPubSub() *loopbackPubSub {
	return &loopbackPubSub{subs: make(map[string][]func([]byte))}
}

func (l *loopbackPubSub) Publish(_ context.Context, channel string, message []byte) error {
	l.mu.Lock()
	handlers := append([]func([]byte){}, l.subs[channel]...)
	l.mu.Unlock()
	for _, h := range handlers {
		h(message)
	}
	return nil
}

func (l *loopbackPubSub) Subscribe(_ context.Context, channel string, handler func([]byte)) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs[channel] = append(l.subs[channel], handler)
	return func() {}, nil
}

func TestRelayDeliversToOtherNode(t *testing.T) {
	bus := newLoopbackPubSub()

	// Node A serves the HTTP call; node B hosts the live hub.
	hA := newAPIHarness(t, nil)
	relayA := NewRelay(bus, "test:", hA.registry)
	require.NoError(t, relayA.Start(context.Background()))
	defer relayA.Close()

	hB := newAPIHarness(t, nil)
	relayB := NewRelay(bus, "test:", hB.registry)
	require.NoError(t, relayB.Start(context.Background()))
	defer relayB.Close()

	doc := hub.DocumentID{Owner: "alice", Permlink: "welcome"}
	remoteHub := attachConn(t, hB.registry, doc, "alice")

	require.NoError(t, relayA.PublishPermission(context.Background(), doc, hub.PermissionUpdate{
		Account: "bob", Level: permissions.LevelEditable, GrantedBy: "alice",
	}))

	require.Eventually(t, func() bool {
		level, ok := remoteHub.PermissionsSnapshot()["bob"]
		return ok && level == "editable"
	}, time.Second, 5*time.Millisecond)
}

func TestRelayIgnoresOwnPublishes(t *testing.T) {
	bus := newLoopbackPubSub()
	h := newAPIHarness(t, nil)
	relay := NewRelay(bus, "test:", h.registry)
	require.NoError(t, relay.Start(context.Background()))
	defer relay.Close()

	doc := hub.DocumentID{Owner: "alice", Permlink: "welcome"}
	liveHub := attachConn(t, h.registry, doc, "alice")
	before := len(liveHub.PermissionsSnapshot())

	// A deletion published by this node must not close its own hub: the
	// local side already handled it before publishing.
	require.NoError(t, relay.PublishDeletion(context.Background(), doc))
	time.Sleep(50 * time.Millisecond)
	assert.NotNil(t, h.registry.Get(doc))
	assert.Len(t, liveHub.PermissionsSnapshot(), before)
}

func TestRelayDeletionClosesRemoteHub(t *testing.T) {
	bus := newLoopbackPubSub()

	hA := newAPIHarness(t, nil)
	relayA := NewRelay(bus, "test:", hA.registry)
	require.NoError(t, relayA.Start(context.Background()))
	defer relayA.Close()

	hB := newAPIHarness(t, nil)
	relayB := NewRelay(bus, "test:", hB.registry)
	require.NoError(t, relayB.Start(context.Background()))
	defer relayB.Close()

	doc := hub.DocumentID{Owner: "alice", Permlink: "welcome"}
	attachConn(t, hB.registry, doc, "alice")

	require.NoError(t, relayA.PublishDeletion(context.Background(), doc))
	require.Eventually(t, func() bool {
		return hB.registry.Get(doc) == nil
	}, time.Second, 5*time.Millisecond)
}
