// Package registry is the broker's process-wide state: endpoint handlers,
// event subscribers, and the pending-request table that lets a broker-side
// ask be remapped back to its originating client.
//
// Each group of state (connections, event subscribers, handlers together
// with their round-robin cursors, pending asks) sits behind its own
// sync.RWMutex, held only across the map
// operation itself and never during I/O: delivery is a non-blocking push
// onto a connection's bounded outbox channel, outside any registry lock.
// Operations are linearizable per map, not across maps.
package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mees/broker/internal/wire"
)

// ConnectionID is the broker-local stable identity of a logical peer.
type ConnectionID = uint32

// Outbox is the minimal interface the registry needs to deliver a message
// to a connection: a bounded, non-blocking-from-the-registry's-perspective
// send. Session provides the concrete implementation.
type Outbox interface {
	Enqueue(m wire.Message) bool
}

// connRecord is the broker-side record of a logical connection.
type connRecord struct {
	id  ConnectionID
	out Outbox
}

// pendingEntry is a single in-flight ask awaiting its responder's reply.
type pendingEntry struct {
	clientID   uint32
	origin     ConnectionID
	handler    ConnectionID
	insertedAt time.Time
}

// Config tunes the pending-request janitor.
type Config struct {
	PendingTTL    time.Duration
	SweepInterval time.Duration
}

func defaultConfig(cfg Config) Config {
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 2 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	return cfg
}

// Registry is the broker's in-memory routing state. Zero value is not
// usable; construct with New.
type Registry struct {
	cfg Config

	connMu sync.RWMutex
	conns  map[ConnectionID]*connRecord
	nextID atomic.Uint32

	subMu sync.RWMutex
	subs  map[string][]ConnectionID // event_subscribers

	handlerMu  sync.RWMutex
	handlers   map[string][]ConnectionID // request_handlers
	handlersRR map[string]uint32         // request_handlers_rr

	pendingMu  sync.RWMutex
	pending    map[uint32]pendingEntry
	reqCounter atomic.Uint32

	stopJanitor chan struct{}
	janitorOnce sync.Once
}

// New creates an empty Registry and starts its pending-request janitor.
func New(cfg Config) *Registry {
	r := &Registry{
		cfg:         defaultConfig(cfg),
		conns:       make(map[ConnectionID]*connRecord),
		subs:        make(map[string][]ConnectionID),
		handlers:    make(map[string][]ConnectionID),
		handlersRR:  make(map[string]uint32),
		pending:     make(map[uint32]pendingEntry),
		stopJanitor: make(chan struct{}),
	}
	go r.janitorLoop()
	return r
}

// Close stops the background janitor. Safe to call more than once.
func (r *Registry) Close() {
	r.janitorOnce.Do(func() { close(r.stopJanitor) })
}

// Register binds outbound delivery for a brand-new logical connection and
// returns its freshly minted ConnectionID. Collisions with the active map
// are vanishingly unlikely (dense atomic counter over a 2^32 space) but
// are re-rolled rather than trusted blindly.
func (r *Registry) Register(out Outbox) ConnectionID {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	for {
		id := r.nextID.Add(1)
		if _, exists := r.conns[id]; exists {
			continue
		}
		r.conns[id] = &connRecord{id: id, out: out}
		return id
	}
}

// Rebind re-associates an existing ConnectionID with a fresh Outbox -- the
// resume path for a client reconnecting with Connect::Existing. Reports
// false if id has no record (UnknownConnection).
func (r *Registry) Rebind(id ConnectionID, out Outbox) bool {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	rec, ok := r.conns[id]
	if !ok {
		return false
	}
	rec.out = out
	return true
}

// Outbox returns the live delivery target for id, if any.
func (r *Registry) Outbox(id ConnectionID) (Outbox, bool) {
	r.connMu.RLock()
	defer r.connMu.RUnlock()
	rec, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	return rec.out, true
}

// Purge removes id from every subscriber and handler list and synthesizes
// failure responses for any pending ask whose handler was id. Idempotent.
func (r *Registry) Purge(id ConnectionID) {
	r.connMu.Lock()
	delete(r.conns, id)
	r.connMu.Unlock()

	r.subMu.Lock()
	for path, ids := range r.subs {
		r.subs[path] = removeID(ids, id)
	}
	r.subMu.Unlock()

	r.handlerMu.Lock()
	for path, ids := range r.handlers {
		r.handlers[path] = removeID(ids, id)
	}
	r.handlerMu.Unlock()

	r.orphanPendingFor(id)
}

func removeID(ids []ConnectionID, id ConnectionID) []ConnectionID {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// orphanPendingFor sweeps the pending table for entries whose handler is
// the given connection, synthesizing a failure RequestResponse to the
// origin so the asking client's waiter resolves instead of leaking.
func (r *Registry) orphanPendingFor(handler ConnectionID) {
	var toNotify []pendingEntry
	r.pendingMu.Lock()
	for brokerID, entry := range r.pending {
		if entry.handler == handler {
			toNotify = append(toNotify, entry)
			delete(r.pending, brokerID)
		}
	}
	r.pendingMu.Unlock()

	for _, entry := range toNotify {
		r.deliverFailure(entry.origin, entry.clientID, "responder disconnected")
	}
}

func (r *Registry) deliverFailure(origin ConnectionID, clientID uint32, reason string) {
	out, ok := r.Outbox(origin)
	if !ok {
		return
	}
	out.Enqueue(wire.Message{Kind: wire.KindRequestResponse, ID: clientID, Err: reason})
}

// EventSubscribe / EventUnsubscribe / EventSubscribers manage the pub/sub
// membership list for path.
func (r *Registry) EventSubscribe(path string, id ConnectionID) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.subs[path] = append(r.subs[path], id)
}

func (r *Registry) EventUnsubscribe(path string, id ConnectionID) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.subs[path] = removeID(r.subs[path], id)
}

func (r *Registry) EventSubscribers(path string) []ConnectionID {
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	out := make([]ConnectionID, len(r.subs[path]))
	copy(out, r.subs[path])
	return out
}

// RequestSubscribe / RequestUnsubscribe / RequestSubscribers manage the
// append-only (modulo explicit unsubscribe) handler list for a path.
func (r *Registry) RequestSubscribe(path string, id ConnectionID) {
	r.handlerMu.Lock()
	defer r.handlerMu.Unlock()
	r.handlers[path] = append(r.handlers[path], id)
}

func (r *Registry) RequestUnsubscribe(path string, id ConnectionID) {
	r.handlerMu.Lock()
	defer r.handlerMu.Unlock()
	r.handlers[path] = removeID(r.handlers[path], id)
}

func (r *Registry) RequestSubscribers(path string) []ConnectionID {
	r.handlerMu.RLock()
	defer r.handlerMu.RUnlock()
	out := make([]ConnectionID, len(r.handlers[path]))
	copy(out, r.handlers[path])
	return out
}

// PendingLen reports the number of in-flight asks; used by tests asserting
// the pending table drains to empty.
func (r *Registry) PendingLen() int {
	r.pendingMu.RLock()
	defer r.pendingMu.RUnlock()
	return len(r.pending)
}

// NextHandler picks the next handler for path by round robin and returns
// false if no handler is registered. The per-path cursor wraps modulo the
// current handler count; it advances even if the chosen handler later
// disconnects.
func (r *Registry) NextHandler(path string) (ConnectionID, bool) {
	r.handlerMu.Lock()
	defer r.handlerMu.Unlock()
	ids := r.handlers[path]
	if len(ids) == 0 {
		return 0, false
	}
	cursor := r.handlersRR[path]
	chosen := ids[cursor%uint32(len(ids))]
	r.handlersRR[path] = cursor + 1
	return chosen, true
}

// SubmitAsk records a pending ask keyed by a fresh broker-assigned id,
// remapping the client's own id so the handler never sees it. Returns the
// broker id to send onward in the RequestAsk forwarded to handler.
// Collisions with a still-pending id are re-rolled, mirroring Register's
// vacancy-checked ConnectionID allocation.
func (r *Registry) SubmitAsk(origin, handler ConnectionID, clientID uint32) uint32 {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	var brokerID uint32
	for {
		brokerID = r.reqCounter.Add(1)
		if _, exists := r.pending[brokerID]; !exists {
			break
		}
	}
	r.pending[brokerID] = pendingEntry{
		clientID:   clientID,
		origin:     origin,
		handler:    handler,
		insertedAt: time.Now(),
	}
	return brokerID
}

// ResolveResponse looks up and removes the pending entry for brokerID,
// returning the origin connection and the client's original request id so
// the RequestResponse can be remapped back before forwarding. ok is false
// if brokerID is unknown (already answered, expired, or forged).
func (r *Registry) ResolveResponse(brokerID uint32) (origin ConnectionID, clientID uint32, ok bool) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	entry, found := r.pending[brokerID]
	if !found {
		return 0, 0, false
	}
	delete(r.pending, brokerID)
	return entry.origin, entry.clientID, true
}

func (r *Registry) janitorLoop() {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopJanitor:
			return
		case <-ticker.C:
			r.sweepExpired()
		}
	}
}

func (r *Registry) sweepExpired() {
	cutoff := time.Now().Add(-r.cfg.PendingTTL)
	var expired []pendingEntry
	r.pendingMu.Lock()
	for brokerID, entry := range r.pending {
		if entry.insertedAt.Before(cutoff) {
			expired = append(expired, entry)
			delete(r.pending, brokerID)
		}
	}
	r.pendingMu.Unlock()

	for _, entry := range expired {
		r.deliverFailure(entry.origin, entry.clientID, "request timed out")
	}
}
