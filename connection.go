package rpcswitch

import (
	"bufio"
	"encoding/json"
	"net"
	"time"
)

// connState is the three-state machine a connection walks through
// between accept and close.
type connState int32

const (
	stateNew connState = iota
	stateAuth
	stateClosing
)

func (s connState) String() string {
	switch s {
	case stateNew:
		return "new"
	case stateAuth:
		return "auth"
	case stateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// WorkerMethod is one backend method announced by a connection.
// connID is a stable back-reference rather than a pointer: once a
// connection disconnects its entry is removed from the broker's
// connection table, so a dangling WorkerMethod can never resurrect a
// freed connection by following a pointer.
type WorkerMethod struct {
	Method      string
	Doc         string
	FilterKey   string
	FilterValue string
	connID      uint64
}

// Connection is one accepted peer, client or worker, from first byte
// to close. Every field is mutated exclusively by the broker's event
// loop goroutine; nothing here needs its own lock.
type Connection struct {
	id   uint64
	from string
	conn net.Conn
	w    *bufio.Writer

	state      connState
	who        string
	workerName string
	workerID   uint64

	methods  map[string]*WorkerMethod
	channels map[string]*Channel
	refcount int

	pingArmed      bool
	pingGeneration uint64
	pingTimer      *time.Timer
	deadlineTimer  *time.Timer

	// pendingPing is the id of the rpcswitch.ping probe the switch is
	// currently waiting on a response for, or "" when none is out.
	// (hello's auth round-trip is driven by a callback, not a tracked
	// id.) Probe ids must never collide with forwarded channel request
	// ids.
	pendingPing string

	closeOnce bool
}

func newConnection(id uint64, conn net.Conn) *Connection {
	return &Connection{
		id:       id,
		from:     conn.RemoteAddr().String(),
		conn:     conn,
		w:        bufio.NewWriter(&writeGuard{conn}),
		state:    stateNew,
		methods:  make(map[string]*WorkerMethod),
		channels: make(map[string]*Channel),
	}
}

// isWorker reports whether this connection has ever successfully
// announced a method.
func (c *Connection) isWorker() bool {
	return c.workerID != 0
}

// send writes one message, newline-framed. It must only ever be
// called from the broker's event loop goroutine.
func (c *Connection) send(msg interface{}) error {
	enc := json.NewEncoder(c.w)
	if err := enc.Encode(msg); err != nil {
		return err
	}
	return c.w.Flush()
}

// writeGuard arms a write deadline before every Write so a peer on a
// dead connection can't hang a write forever waiting for a FIN that
// never arrives.
type writeGuard struct {
	net.Conn
}

const writeTimeout = 60 * time.Second

func (g *writeGuard) Write(p []byte) (int, error) {
	_ = g.SetWriteDeadline(time.Now().Add(writeTimeout))
	return g.Conn.Write(p)
}
