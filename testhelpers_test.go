package rpcswitch

import (
	"bytes"
	"net"
	"os"
	"testing"
	"time"

	"github.com/korbank/rpcswitch/config"
	"github.com/korbank/rpcswitch/wire"
)

// fakeConn is a minimal in-memory net.Conn standing in for a real
// socket in tests: writes accumulate in a buffer a test can decode
// from, Close just flips a flag.
type fakeConn struct {
	buf    bytes.Buffer
	dec    *wire.Decoder
	closed bool
}

func (f *fakeConn) Read(p []byte) (int, error)  { return f.buf.Read(p) }
func (f *fakeConn) Write(p []byte) (int, error) { return f.buf.Write(p) }
func (f *fakeConn) Close() error                { f.closed = true; return nil }
func (f *fakeConn) LocalAddr() net.Addr         { return fakeAddr{} }
func (f *fakeConn) RemoteAddr() net.Addr        { return fakeAddr{} }
func (f *fakeConn) SetDeadline(time.Time) error      { return nil }
func (f *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error  { return nil }

type fakeAddr struct{}

func (fakeAddr) Network() string { return "fake" }
func (fakeAddr) String() string  { return "fake" }

// newTestConnection wires a fresh Connection to a fakeConn so a test
// can both drive the broker with it and inspect what got written.
func newTestConnection(id uint64) (*Connection, *fakeConn) {
	fc := &fakeConn{}
	c := newConnection(id, fc)
	return c, fc
}

// decodeSent pulls the next message a handler wrote to fc, failing the
// test if none is there. A single Decoder is cached on fc across calls
// so multiple messages queued in one buffer decode in order.
func decodeSent(t *testing.T, fc *fakeConn) *wire.Message {
	t.Helper()
	if fc.dec == nil {
		fc.dec = wire.NewDecoder(&fc.buf, 0)
	}
	msg, err := fc.dec.Next()
	if err != nil {
		t.Fatalf("decode sent message: %v", err)
	}
	return msg
}

// testPolicy resolves a policy document given inline as YAML, the way
// a real deployment would load one from disk.
func testPolicy(t *testing.T, yamlDoc string) *config.Policy {
	t.Helper()
	path := t.TempDir() + "/policy.conf"
	if err := os.WriteFile(path, []byte(yamlDoc), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := config.Load(path)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	return p
}

// minimalPolicy is a bare policy with no methods or ACLs, enough for
// tests that only exercise connection/channel/ping bookkeeping.
func minimalPolicy(t *testing.T) *config.Policy {
	return testPolicy(t, "ping: 60s\n")
}
