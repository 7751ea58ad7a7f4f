package rpcswitch

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/rs/zerolog"

	"github.com/korbank/rpcswitch/auth"
	"github.com/korbank/rpcswitch/config"
	"github.com/korbank/rpcswitch/wire"
)

// Logger is the package-wide fallback logger; cmd/rpcswitch installs a
// configured one before calling ListenAndServe.
var Logger = log.Nop()

// event is anything the broker's single event loop goroutine can
// receive and act on. All broker state is mutated only from inside
// that loop: no two events are ever processed concurrently, so none of
// the state reachable from a Broker needs its own lock.
type event interface{ apply(*Broker) }

// Broker is the switch: one instance owns the policy snapshot, the
// connection table, the worker registry and every channel, and serves
// them all from a single goroutine (Run). Everything else -
// listeners, per-connection readers, timers - only ever talks to it by
// sending events.
type Broker struct {
	policy   *config.Policy
	verifier auth.Verifier

	connections   map[uint64]*Connection
	nextConnID    uint64
	nextWorkerID  uint64
	activeWorkers uint64

	registry     *WorkerRegistry
	pairChannels map[channelKey]*Channel

	chunks       uint64
	callCounters map[string]uint64

	events    chan event
	done      chan struct{}
	closeDone sync.Once

	log log.Logger
}

// NewBroker constructs a Broker ready to Run. policy and verifier must
// both be non-nil.
func NewBroker(policy *config.Policy, verifier auth.Verifier) *Broker {
	return &Broker{
		policy:       policy,
		verifier:     verifier,
		connections:  make(map[uint64]*Connection),
		registry:     newWorkerRegistry(),
		pairChannels: make(map[channelKey]*Channel),
		callCounters: make(map[string]uint64),
		events:       make(chan event, 256),
		done:         make(chan struct{}),
		log:          Logger,
	}
}

// Run is the broker's single-threaded cooperative event loop. It
// returns when ctx is cancelled or Shutdown is called.
func (b *Broker) Run(ctx context.Context) {
	defer b.closeDone.Do(func() { close(b.done) })
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.events:
			ev.apply(b)
			if _, isShutdown := ev.(shutdownEvent); isShutdown {
				return
			}
		}
	}
}

// Shutdown stops the event loop after any already-queued events drain.
func (b *Broker) Shutdown() {
	b.post(shutdownEvent{})
}

func (b *Broker) post(ev event) {
	select {
	case b.events <- ev:
	case <-b.done:
	}
}

// ReloadPolicy installs a freshly-loaded policy snapshot, atomically
// from the perspective of every handler: the swap happens inside the
// event loop, so no dispatch is ever mid-flight across it. Calls and
// channels already in progress keep referencing whatever snapshot they
// captured on arrival, since Policy is immutable once built.
func (b *Broker) ReloadPolicy(p *config.Policy) {
	b.post(reloadEvent{policy: p})
}

type reloadEvent struct{ policy *config.Policy }

func (e reloadEvent) apply(b *Broker) {
	b.log.Info().Msg("policy reloaded")
	b.policy = e.policy
}

type shutdownEvent struct{}

func (shutdownEvent) apply(b *Broker) {
	for _, c := range b.connections {
		_ = c.conn.Close()
	}
}

// Accept registers a freshly-accepted transport connection with the
// broker and starts its read pump. Safe to call from any goroutine -
// typically the listener's accept loop.
func (b *Broker) Accept(conn net.Conn) {
	b.post(acceptEvent{conn: conn})
}

type acceptEvent struct{ conn net.Conn }

func (e acceptEvent) apply(b *Broker) {
	b.nextConnID++
	c := newConnection(b.nextConnID, e.conn)
	b.connections[c.id] = c
	b.log.Info().Uint64("conn", c.id).Str("from", c.from).Msg("accepted")
	go b.readLoop(c)
}

// readLoop decodes newline-or-whitespace-separated JSON values off one
// connection and feeds them to the broker as inboundEvents, in arrival
// order, until the peer disconnects or sends something undecodable.
func (b *Broker) readLoop(c *Connection) {
	dec := wire.NewDecoder(c.conn, maxFrameSize)
	for {
		msg, err := dec.Next()
		if err != nil {
			b.post(closedEvent{connID: c.id, err: err})
			return
		}
		b.post(inboundEvent{connID: c.id, msg: msg})
	}
}

const maxFrameSize = 8 << 20 // 8 MiB, mirrors the teacher's default payload ceiling

type inboundEvent struct {
	connID uint64
	msg    *wire.Message
}

func (e inboundEvent) apply(b *Broker) {
	b.chunks++
	c, ok := b.connections[e.connID]
	if !ok {
		return // connection already torn down; drop stray frame
	}
	b.dispatch(c, e.msg)
}

type closedEvent struct {
	connID uint64
	err    error
}

func (e closedEvent) apply(b *Broker) {
	c, ok := b.connections[e.connID]
	if !ok {
		return
	}
	b.log.Info().Uint64("conn", c.id).Err(e.err).Msg("disconnected")
	_ = c.conn.Close()
	b.disconnect(c)
}

// newVCI mints a fresh, process-unique channel id. A 128-bit random
// value is collision-free for any realistic connection count and
// needs no coordination with existing state.
func newVCI() string {
	return uuid.NewString()
}

// refcountOf is the callback the worker registry uses to compare load
// across candidate workers; it's only ever called from within the
// event loop, so a plain map read is safe.
func (b *Broker) refcountOf(connID uint64) int {
	c, ok := b.connections[connID]
	if !ok {
		return int(^uint(0) >> 1) // gone connections sort last
	}
	return c.refcount
}

func (b *Broker) now() time.Time { return time.Now() }
