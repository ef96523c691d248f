package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/peakdocs/collab/internal/crdt"
	"github.com/peakdocs/collab/internal/monitoring"
	"github.com/peakdocs/collab/internal/permissions"
	"github.com/peakdocs/collab/internal/protocol"
	"github.com/peakdocs/collab/internal/store"
)

// Reserved metadata keys inside the permissions map; changes to these do not
// trigger the awareness broadcast field.
const (
	permKeyCreated     = "created"
	permKeyLastUpdated = "lastUpdated"
)

// broadcastEntryLimit caps retained permission broadcast entries per account.
const broadcastEntryLimit = 10

// Config carries the hub timing knobs.
type Config struct {
	Grace            time.Duration
	Debounce         time.Duration
	MaxDebounce      time.Duration
	SaveTimeout      time.Duration
	MaxClassifyBytes int
}

// Deps are the hub's external collaborators.
type Deps struct {
	Documents store.DocumentStore
	Activity  store.ActivityLogger
	Metrics   *monitoring.Metrics
}

// PermissionUpdate is one permission change pushed into a live hub.
type PermissionUpdate struct {
	Account   string
	Level     permissions.Level
	GrantedBy string
}

// broadcastEntry is the JSON value written into the permissions map for each
// permission change.
type broadcastEntry struct {
	TargetAccount string `json:"targetAccount"`
	NewLevel      string `json:"newLevel"`
	GrantedBy     string `json:"grantedBy"`
	TimestampMs   int64  `json:"timestampMs"`
	EventKind     string `json:"eventKind"` // "granted" or "revoked"
}

type connState struct {
	sess       Session
	attachedAt time.Time
	// awareness client ids observed from this connection, removed on detach
	clients map[uint64]struct{}
	// protocol error window for the repeat-offender close
	protoErrs []time.Time
}

// Hub is the per-document actor. All replica, awareness and connection-set
// mutations happen on the run goroutine; everything else posts commands.
type Hub struct {
	id         DocumentID
	doc        *crdt.Doc
	awareness  *crdt.Awareness
	classifier protocol.Classifier
	cfg        Config
	deps       Deps

	cmds      chan any
	obsEvents chan []crdt.MapEvent
	done      chan struct{}
	onClose   func(*Hub)

	conns     map[Conn]*connState
	connCount atomic.Int64

	cancelObserver func()
	permSeq        uint64

	// persistence state, owned by the run goroutine
	dirty        bool
	saveInFlight bool
	firstUnsaved time.Time
	saveAt       time.Time
	saveFailures int
	ceiling      time.Duration
	closing      bool // idle reap pending; a reattach cancels it
	terminal     bool // delete or shutdown; attaches are refused
	deleted      bool
}

// Commands posted into the run loop.
type (
	attachCmd struct {
		conn  Conn
		sess  Session
		reply chan bool
	}
	detachCmd struct{ conn Conn }
	frameCmd  struct {
		conn  Conn
		frame []byte
	}
	permCmd struct {
		update PermissionUpdate
		reply  chan error
	}
	deleteCmd   struct{ reply chan struct{} }
	shutdownCmd struct{ reply chan struct{} }
	saveDoneCmd struct {
		err  error
		took time.Duration
	}
	clearBroadcastCmd struct{}
)

// New builds a hub around a replica decoded from snapshot (nil for a cold
// document) and starts its run goroutine.
func New(id DocumentID, snapshot []byte, cfg Config, deps Deps, onClose func(*Hub)) (*Hub, error) {
	doc := crdt.NewDoc()
	if len(snapshot) > 0 {
		if _, err := doc.ApplyUpdate(snapshot); err != nil {
			return nil, fmt.Errorf("decode snapshot for %s: %w", id, err)
		}
	}

	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = 30 * time.Second
	}

	h := &Hub{
		id:         id,
		doc:        doc,
		awareness:  crdt.NewAwareness(doc.ClientID()),
		classifier: protocol.Classifier{MaxBytes: cfg.MaxClassifyBytes},
		cfg:        cfg,
		deps:       deps,
		cmds:       make(chan any, 64),
		obsEvents:  make(chan []crdt.MapEvent, 16),
		done:       make(chan struct{}),
		onClose:    onClose,
		conns:      make(map[Conn]*connState),
		ceiling:    cfg.MaxDebounce,
	}
	h.seedPermissions()
	h.permSeq = h.scanPermSeq()
	h.cancelObserver = doc.ObserveMap(protocol.PermissionsMapName, h.onPermissionsChanged)

	deps.Metrics.HubOpened()
	go h.run()
	return h, nil
}

// seedPermissions writes the initial permissions sub-object for a cold
// document: the owner entry plus a created timestamp.
func (h *Hub) seedPermissions() {
	perms := h.doc.Map(protocol.PermissionsMapName)
	if _, ok := perms.Get(h.id.Owner); ok {
		return
	}
	h.doc.Transact(func(txn *crdt.Txn) {
		perms.Set(txn, h.id.Owner, string(permissions.LevelOwner))
		if _, ok := perms.Get(permKeyCreated); !ok {
			perms.Set(txn, permKeyCreated, time.Now().UTC().Format(time.RFC3339))
		}
	})
	h.markDirty(time.Now())
}

// scanPermSeq recovers the monotonic broadcast counter from persisted keys.
func (h *Hub) scanPermSeq() uint64 {
	var max uint64
	for _, key := range h.doc.Map(protocol.PermissionsMapName).Keys() {
		if _, seq, ok := parseBroadcastKey(key); ok && seq > max {
			max = seq
		}
	}
	return max
}

func broadcastKey(account string, seq uint64) string {
	return fmt.Sprintf("update_%s_%d", account, seq)
}

func parseBroadcastKey(key string) (account string, seq uint64, ok bool) {
	if !strings.HasPrefix(key, "update_") {
		return "", 0, false
	}
	rest := key[len("update_"):]
	idx := strings.LastIndexByte(rest, '_')
	if idx <= 0 {
		return "", 0, false
	}
	seq, err := strconv.ParseUint(rest[idx+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return rest[:idx], seq, true
}

// onPermissionsChanged runs as the replica's map observer. It forwards
// non-metadata changes to the run loop, which announces them through the
// server's awareness state.
func (h *Hub) onPermissionsChanged(events []crdt.MapEvent) {
	var relevant []crdt.MapEvent
	for _, ev := range events {
		if ev.Key == permKeyCreated || ev.Key == permKeyLastUpdated {
			continue
		}
		relevant = append(relevant, ev)
	}
	if len(relevant) == 0 {
		return
	}
	select {
	case h.obsEvents <- relevant:
	default:
		slog.Warn("permission observer queue full, dropping event", "doc", h.id)
	}
}

// ============================================================================
// PUBLIC API (posts into the run loop)
// ============================================================================

// ID returns the hub's document id.
func (h *Hub) ID() DocumentID { return h.id }

// ConnCount returns the number of attached connections.
func (h *Hub) ConnCount() int { return int(h.connCount.Load()) }

// PermissionsSnapshot returns the current permissions sub-object.
func (h *Hub) PermissionsSnapshot() map[string]string {
	return h.doc.Map(protocol.PermissionsMapName).Snapshot()
}

// Attach binds a connection. Returns false if the hub already shut down, in
// which case the caller re-resolves a fresh hub from the registry.
func (h *Hub) Attach(conn Conn, sess Session) bool {
	reply := make(chan bool, 1)
	select {
	case h.cmds <- attachCmd{conn: conn, sess: sess, reply: reply}:
		return <-reply
	case <-h.done:
		return false
	}
}

// Detach removes a connection.
func (h *Hub) Detach(conn Conn) {
	select {
	case h.cmds <- detachCmd{conn: conn}:
	case <-h.done:
	}
}

// HandleFrame routes one inbound frame through the decision table.
func (h *Hub) HandleFrame(conn Conn, frame []byte) {
	select {
	case h.cmds <- frameCmd{conn: conn, frame: frame}:
	case <-h.done:
	}
}

// IngestPermissionUpdate applies a permission change as one replica
// transaction and fans it out to peers.
func (h *Hub) IngestPermissionUpdate(update PermissionUpdate) error {
	reply := make(chan error, 1)
	select {
	case h.cmds <- permCmd{update: update, reply: reply}:
		return <-reply
	case <-h.done:
		return fmt.Errorf("hub %s is closed", h.id)
	}
}

// DeleteDocument force-closes every connection and drops the hub without a
// final save.
func (h *Hub) DeleteDocument() {
	reply := make(chan struct{})
	select {
	case h.cmds <- deleteCmd{reply: reply}:
		<-reply
	case <-h.done:
	}
}

// Shutdown flushes the replica and closes remaining connections.
func (h *Hub) Shutdown(ctx context.Context) {
	reply := make(chan struct{})
	select {
	case h.cmds <- shutdownCmd{reply: reply}:
	case <-h.done:
		return
	}
	select {
	case <-reply:
	case <-ctx.Done():
	}
}

// ============================================================================
// RUN LOOP
// ============================================================================

func (h *Hub) run() {
	defer h.finalize()
	for {
		var timerC <-chan time.Time
		var timer *time.Timer
		if h.dirty && !h.saveInFlight {
			wait := time.Until(h.saveAt)
			if wait < 0 {
				wait = 0
			}
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case cmd := <-h.cmds:
			h.dispatch(cmd)
		case events := <-h.obsEvents:
			h.announcePermissionEvents(events)
		case <-timerC:
			h.startSave()
		}
		if timer != nil {
			timer.Stop()
		}

		if h.closing && !h.saveInFlight && !h.dirty {
			return
		}
	}
}

func (h *Hub) dispatch(cmd any) {
	switch c := cmd.(type) {
	case attachCmd:
		c.reply <- h.handleAttach(c.conn, c.sess)
	case detachCmd:
		h.handleDetach(c.conn)
	case frameCmd:
		h.handleFrame(c.conn, c.frame)
	case permCmd:
		c.reply <- h.handlePermissionUpdate(c.update)
	case deleteCmd:
		h.handleDelete()
		close(c.reply)
	case shutdownCmd:
		h.handleShutdown()
		close(c.reply)
	case saveDoneCmd:
		h.handleSaveDone(c)
	case clearBroadcastCmd:
		h.clearBroadcastField()
	}
}

// finalize runs once the loop exits: observer cancelled, stragglers closed,
// registry notified.
func (h *Hub) finalize() {
	close(h.done)
	if h.cancelObserver != nil {
		h.cancelObserver()
	}
	for conn := range h.conns {
		conn.Close(CloseNormal, "server shutdown")
	}
	h.conns = nil
	h.deps.Metrics.HubClosed()
	if h.onClose != nil {
		h.onClose(h)
	}
	slog.Info("hub closed", "doc", h.id)
}

// ============================================================================
// ATTACH / DETACH
// ============================================================================

func (h *Hub) handleAttach(conn Conn, sess Session) bool {
	if h.terminal {
		return false
	}
	// A reattach while the final flush is pending keeps the hub alive, so
	// the process never holds two replicas of one document.
	h.closing = false
	now := time.Now()
	h.conns[conn] = &connState{
		sess:       sess,
		attachedAt: now,
		clients:    make(map[uint64]struct{}),
	}
	h.connCount.Store(int64(len(h.conns)))
	h.deps.Metrics.ConnectionOpened()

	// Initial sync: the full replica state as one Sync frame, then the
	// current awareness picture.
	if full, err := h.doc.EncodeStateAsUpdate(nil); err == nil {
		conn.Send(crdt.EncodeSyncStep2(full))
	} else {
		slog.Error("encode initial sync failed", "doc", h.id, "error", err)
	}
	if len(h.awareness.Clients()) > 0 {
		conn.Send(crdt.EncodeAwarenessMessage(h.awareness.EncodeAll()))
	}

	h.logActivity(sess.Account, store.KindConnect, "")
	slog.Info("connection attached", "doc", h.id, "account", sess.Account,
		"level", sess.Permission.Level, "conn", conn.ID())
	return true
}

func (h *Hub) handleDetach(conn Conn) {
	state, ok := h.conns[conn]
	if !ok {
		return
	}
	delete(h.conns, conn)
	h.connCount.Store(int64(len(h.conns)))
	h.deps.Metrics.ConnectionClosed()

	// Clear the departed client's awareness entries and tell the peers.
	for client := range state.clients {
		if removal := h.awareness.RemoveClient(client); removal != nil {
			h.broadcastTransient(crdt.EncodeAwarenessMessage(removal), nil)
		}
	}

	h.logActivity(state.sess.Account, store.KindDisconnect, "")
	slog.Info("connection detached", "doc", h.id, "account", state.sess.Account, "conn", conn.ID())

	if len(h.conns) == 0 {
		// Reap once the debounced persistence has flushed.
		h.closing = true
		if h.dirty && !h.saveInFlight {
			h.saveAt = time.Now()
		}
	}
}

// ============================================================================
// FRAME DECISION TABLE
// ============================================================================

func (h *Hub) handleFrame(conn Conn, frame []byte) {
	state, ok := h.conns[conn]
	if !ok {
		return
	}
	state.sess.LastActivity = time.Now()

	class := h.classifier.Classify(frame, h.doc)
	h.deps.Metrics.RecordFrame(class.String())

	switch class {
	case protocol.Sync, protocol.SyncReply:
		res, err := crdt.HandleSyncMessage(h.doc, frame[1:])
		if err != nil {
			h.protocolError(conn, state, err)
			return
		}
		if res.Reply != nil {
			conn.Send(res.Reply)
		}
		if res.Applied {
			h.broadcast(frame, conn)
			if !res.Summary.TextChanged() && !res.Summary.MapChangedExcept("") {
				return
			}
			h.markDirty(time.Now())
		}

	case protocol.SyncStatus:
		h.broadcast(frame, conn)

	case protocol.Awareness:
		// Only frames with the awareness leading byte carry a parseable
		// payload. The dry-apply heuristic also classifies no-op update
		// blobs here, such as a client resending an already-applied edit
		// after a reconnect; those fan out untouched.
		if frame[0] == crdt.MessageAwareness {
			payload, _, err := crdt.ReadVarBytes(frame[1:])
			if err != nil {
				h.protocolError(conn, state, err)
				return
			}
			changed, err := h.awareness.ApplyUpdate(payload)
			if err != nil {
				h.protocolError(conn, state, err)
				return
			}
			for _, client := range changed {
				state.clients[client] = struct{}{}
			}
		}
		h.broadcastTransient(frame, conn)

	case protocol.QueryAwareness:
		conn.Send(crdt.EncodeAwarenessMessage(h.awareness.EncodeAll()))

	case protocol.Auth:
		h.broadcastTransient(frame, conn)

	case protocol.ContentUpdate:
		h.handleContentUpdate(conn, state, frame)

	default: // Unknown
		slog.Debug("dropping unclassifiable frame", "doc", h.id,
			"conn", conn.ID(), "bytes", len(frame))
	}
}

func (h *Hub) handleContentUpdate(conn Conn, state *connState, frame []byte) {
	inGrace := time.Since(state.attachedAt) < h.cfg.Grace
	if !state.sess.Permission.CanEdit && !inGrace {
		h.deps.Metrics.RecordBlockedEdit()
		h.logActivity(state.sess.Account, store.KindBlockedEdit,
			fmt.Sprintf(`{"level":%q}`, state.sess.Permission.Level))
		msg := fmt.Sprintf("User %s has %s access", state.sess.Account, state.sess.Permission.Level)
		conn.Send(crdt.EncodeStatelessMessage(errorPayload("permission_denied", msg)))
		slog.Info("blocked content update", "doc", h.id,
			"account", state.sess.Account, "level", state.sess.Permission.Level)
		return
	}

	if _, err := h.doc.ApplyUpdate(frame); err != nil {
		h.protocolError(conn, state, err)
		return
	}
	h.broadcast(frame, conn)
	h.markDirty(time.Now())
	h.logActivity(state.sess.Account, store.KindDocumentEdit, "")
}

// protocolError drops the frame and closes connections that keep sending
// garbage: five or more malformed frames inside ten seconds.
func (h *Hub) protocolError(conn Conn, state *connState, err error) {
	slog.Debug("protocol error", "doc", h.id, "conn", conn.ID(), "error", err)
	now := time.Now()
	kept := state.protoErrs[:0]
	for _, t := range state.protoErrs {
		if now.Sub(t) < 10*time.Second {
			kept = append(kept, t)
		}
	}
	state.protoErrs = append(kept, now)
	if len(state.protoErrs) >= 5 {
		conn.Close(CloseServerError, "repeated protocol errors")
	}
}

// broadcast fans a frame out to every attached connection except origin.
func (h *Hub) broadcast(frame []byte, origin Conn) {
	for conn := range h.conns {
		if conn != origin {
			conn.Send(frame)
		}
	}
}

// broadcastTransient fans out a droppable frame.
func (h *Hub) broadcastTransient(frame []byte, origin Conn) {
	for conn := range h.conns {
		if conn == origin {
			continue
		}
		if !conn.SendTransient(frame) {
			h.deps.Metrics.RecordDroppedAwareness()
		}
	}
}

// ============================================================================
// PERMISSION BROADCAST PIPELINE
// ============================================================================

func (h *Hub) handlePermissionUpdate(update PermissionUpdate) error {
	if update.Account == "" {
		return fmt.Errorf("permission update missing account")
	}
	eventKind := "granted"
	if update.Level == permissions.LevelNone {
		eventKind = "revoked"
	}
	h.permSeq++
	entry := broadcastEntry{
		TargetAccount: update.Account,
		NewLevel:      string(update.Level),
		GrantedBy:     update.GrantedBy,
		TimestampMs:   time.Now().UnixMilli(),
		EventKind:     eventKind,
	}
	value, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	perms := h.doc.Map(protocol.PermissionsMapName)
	stale := h.staleBroadcastKeys(update.Account)

	// One transaction: peers observe the entry, the level row, the metadata
	// stamp and the trim as a single update.
	frame, _ := h.doc.Transact(func(txn *crdt.Txn) {
		perms.Set(txn, broadcastKey(update.Account, h.permSeq), string(value))
		perms.Set(txn, update.Account, string(update.Level))
		perms.Set(txn, permKeyLastUpdated, time.Now().UTC().Format(time.RFC3339))
		for _, key := range stale {
			perms.Delete(txn, key)
		}
	})

	// Refresh the permission snapshot of every live session for the account.
	eff := permissions.Capabilities(update.Level)
	for _, state := range h.conns {
		if state.sess.Account == update.Account {
			state.sess.Permission = eff
			state.sess.Color = AssignColor(update.Account, update.Level)
		}
	}

	h.broadcast(crdt.EncodeSyncUpdate(frame), nil)
	h.markDirty(time.Now())
	h.logActivity(update.Account, store.KindPermissionGranted,
		fmt.Sprintf(`{"level":%q,"grantedBy":%q}`, update.Level, update.GrantedBy))
	slog.Info("permission update ingested", "doc", h.id,
		"account", update.Account, "level", update.Level, "grantedBy", update.GrantedBy)
	return nil
}

// staleBroadcastKeys returns the account's broadcast keys that fall outside
// the retention window once one more entry lands.
func (h *Hub) staleBroadcastKeys(account string) []string {
	type keyed struct {
		key string
		seq uint64
	}
	var entries []keyed
	for _, key := range h.doc.Map(protocol.PermissionsMapName).Keys() {
		if acct, seq, ok := parseBroadcastKey(key); ok && acct == account {
			entries = append(entries, keyed{key, seq})
		}
	}
	if len(entries) < broadcastEntryLimit {
		return nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	drop := len(entries) - broadcastEntryLimit + 1
	keys := make([]string, 0, drop)
	for _, e := range entries[:drop] {
		keys = append(keys, e.key)
	}
	return keys
}

// announcePermissionEvents writes a short-lived broadcast field into the
// server's own awareness state; peers learn of the change through normal
// awareness propagation. The field clears itself after five seconds.
func (h *Hub) announcePermissionEvents(events []crdt.MapEvent) {
	body, err := json.Marshal(map[string]any{
		"type":            "server",
		"permissionEvent": events,
		"at":              time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	payload := h.awareness.SetLocalState(body)
	h.broadcastTransient(crdt.EncodeAwarenessMessage(payload), nil)

	time.AfterFunc(5*time.Second, func() {
		select {
		case h.cmds <- clearBroadcastCmd{}:
		case <-h.done:
		}
	})
}

func (h *Hub) clearBroadcastField() {
	if h.awareness.LocalState() == nil {
		return
	}
	payload := h.awareness.SetLocalState(nil)
	h.broadcastTransient(crdt.EncodeAwarenessMessage(payload), nil)
}

// ============================================================================
// PERSISTENCE
// ============================================================================

// markDirty arms the debounced save: debounce from now, but never later
// than the ceiling from the first unsaved change.
func (h *Hub) markDirty(now time.Time) {
	if !h.dirty {
		h.dirty = true
		h.firstUnsaved = now
	}
	h.saveAt = now.Add(h.cfg.Debounce)
	if latest := h.firstUnsaved.Add(h.ceiling); h.saveAt.After(latest) {
		h.saveAt = latest
	}
}

func (h *Hub) startSave() {
	encoded, err := h.doc.EncodeStateAsUpdate(nil)
	if err != nil {
		slog.Error("encode snapshot failed", "doc", h.id, "error", err)
		h.saveAt = time.Now().Add(h.cfg.Debounce)
		return
	}
	h.dirty = false
	h.saveInFlight = true
	started := time.Now()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SaveTimeout)
		defer cancel()
		saveErr := h.deps.Documents.Save(ctx, h.id.Owner, h.id.Permlink, encoded)
		select {
		case h.cmds <- saveDoneCmd{err: saveErr, took: time.Since(started)}:
		case <-h.done:
		}
	}()
}

func (h *Hub) handleSaveDone(c saveDoneCmd) {
	h.saveInFlight = false
	h.deps.Metrics.RecordPersistence(c.err == nil, c.took.Seconds())
	if h.deleted {
		h.dirty = false
		return
	}
	if c.err == nil {
		h.saveFailures = 0
		h.ceiling = h.cfg.MaxDebounce
		return
	}

	// Nothing is lost: the replica still holds every applied update, the
	// next save encodes the full state. Re-arm and escalate after three
	// consecutive failures.
	h.saveFailures++
	h.dirty = true
	h.markDirty(time.Now())
	slog.Warn("snapshot save failed", "doc", h.id, "failures", h.saveFailures, "error", c.err)
	if h.saveFailures >= 3 {
		h.ceiling *= 2
		h.broadcast(crdt.EncodeStatelessMessage(errorPayload("persistence_degraded",
			"document persistence is failing; recent changes are held in memory")), nil)
	}
}

// ============================================================================
// DELETE / SHUTDOWN
// ============================================================================

func (h *Hub) handleDelete() {
	h.logActivity(h.id.Owner, store.KindDocumentDeleted, "")
	for conn := range h.conns {
		conn.Close(CloseNormal, "document deleted")
		h.deps.Metrics.ConnectionClosed()
	}
	h.conns = make(map[Conn]*connState)
	h.connCount.Store(0)
	h.dirty = false
	h.deleted = true
	h.terminal = true
	h.closing = true
}

func (h *Hub) handleShutdown() {
	if h.dirty && !h.saveInFlight {
		// Synchronous flush; shutdown must not lose the replica.
		encoded, err := h.doc.EncodeStateAsUpdate(nil)
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SaveTimeout)
			if saveErr := h.deps.Documents.Save(ctx, h.id.Owner, h.id.Permlink, encoded); saveErr != nil {
				slog.Error("shutdown flush failed", "doc", h.id, "error", saveErr)
			}
			cancel()
		}
		h.dirty = false
	}
	for conn := range h.conns {
		conn.Close(CloseNormal, "server shutdown")
		h.deps.Metrics.ConnectionClosed()
	}
	h.conns = make(map[Conn]*connState)
	h.connCount.Store(0)
	h.terminal = true
	h.closing = true
}

// logActivity records an audit row off the hub goroutine.
func (h *Hub) logActivity(account, kind, payload string) {
	if h.deps.Activity == nil {
		return
	}
	entry := store.ActivityEntry{
		Owner:    h.id.Owner,
		Permlink: h.id.Permlink,
		Account:  account,
		Kind:     kind,
		Payload:  payload,
		At:       time.Now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.deps.Activity.Record(ctx, entry); err != nil {
			slog.Warn("activity record failed", "doc", h.id, "kind", kind, "error", err)
		}
	}()
}
