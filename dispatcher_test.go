package rpcswitch

import (
	"context"
	"testing"

	"github.com/korbank/rpcswitch/auth"
	"github.com/korbank/rpcswitch/wire"
)

func noopVerifier() auth.Verifier {
	return auth.VerifierFunc(func(context.Context, string, string, string) (auth.Result, error) {
		return auth.Result{}, nil
	})
}

func TestHandleExternalCallACLDenied(t *testing.T) {
	policy := testPolicy(t, `
ping: 60s
acl:
  ops:
    - alice
method2acl:
  svc.do: ops
methods:
  svc.do:
    backend: work.do
`)
	b := NewBroker(policy, noopVerifier())
	client, fc := newTestConnection(1)
	client.state = stateAuth
	client.who = "mallory"
	b.connections[1] = client

	req, _ := wire.NewRequest("1", "svc.do", map[string]string{})
	b.dispatch(client, req)

	resp := decodeSent(t, fc)
	if resp.Error == nil || resp.Error.Code != wire.NotAllowed {
		t.Fatalf("expected not-allowed error, got %+v", resp.Error)
	}
}

func TestHandleExternalCallNoACLEntry(t *testing.T) {
	policy := testPolicy(t, `
ping: 60s
methods:
  svc.do:
    backend: work.do
`)
	b := NewBroker(policy, noopVerifier())
	client, fc := newTestConnection(1)
	client.state = stateAuth
	client.who = "alice"
	b.connections[1] = client

	req, _ := wire.NewRequest("1", "svc.do", map[string]string{})
	b.dispatch(client, req)

	resp := decodeSent(t, fc)
	if resp.Error == nil || resp.Error.Code != wire.NoACL {
		t.Fatalf("expected no-acl error, got %+v", resp.Error)
	}
}

func TestHandleExternalCallForwardsAndRoutesResponse(t *testing.T) {
	policy := testPolicy(t, `
ping: 60s
acl:
  ops:
    - alice
method2acl:
  svc.do: ops
methods:
  svc.do:
    backend: work.do
`)
	b := NewBroker(policy, noopVerifier())

	client, clientConn := newTestConnection(1)
	client.state = stateAuth
	client.who = "alice"
	b.connections[1] = client

	worker, workerConn := newTestConnection(2)
	worker.state = stateAuth
	worker.who = "worker1"
	b.connections[2] = worker
	b.registry.Announce("work.do", &WorkerMethod{Method: "work.do", connID: 2})

	req, _ := wire.NewRequest("42", "svc.do", map[string]int{"x": 1})
	b.dispatch(client, req)

	forwarded := decodeSent(t, workerConn)
	if forwarded.Method != "work.do" {
		t.Errorf("expected forward to backend method work.do, got %q", forwarded.Method)
	}
	if !forwarded.HasChannelEnvelope() {
		t.Fatal("expected a channel envelope on the forwarded call")
	}
	if worker.refcount != 1 {
		t.Errorf("expected worker refcount bumped to 1, got %d", worker.refcount)
	}

	reply, _ := wire.NewResult(forwarded.ID, map[string]int{"ok": 1})
	reply.RPCSwitch = forwarded.RPCSwitch
	b.dispatch(worker, reply)

	back := decodeSent(t, clientConn)
	if back.Result == nil {
		t.Fatal("expected the worker's result forwarded back to the client")
	}
	if worker.refcount != 0 {
		t.Errorf("expected refcount released once the response is relayed, got %d", worker.refcount)
	}
}

func TestChannelForwardUnknownVCIRejected(t *testing.T) {
	b := NewBroker(minimalPolicy(t), noopVerifier())
	client, fc := newTestConnection(1)
	client.state = stateAuth
	b.connections[1] = client

	req := &wire.Message{
		Jsonrpc: "2.0",
		ID:      []byte(`"1"`),
		Method:  "whatever",
		RPCSwitch: &wire.Envelope{
			VCookie: wire.Cookie,
			VCI:     "no-such-channel",
		},
	}
	b.dispatch(client, req)

	resp := decodeSent(t, fc)
	if resp.Error == nil || resp.Error.Code != wire.NoChannel {
		t.Fatalf("expected no-channel error, got %+v", resp.Error)
	}
}

func TestDispatchRecoversFromHandlerPanicAndRepliesHandlerThrew(t *testing.T) {
	policy := testPolicy(t, `
ping: 60s
backend2acl:
  work.*: public
methods:
  svc.do:
    backend: work.do
`)
	b := NewBroker(policy, noopVerifier())
	c, fc := newTestConnection(1)
	c.state = stateAuth
	c.who = "alice"
	c.methods = nil // a connection whose method table went missing panics doAnnounce's map write
	b.connections[1] = c

	req, _ := wire.NewRequest("1", "rpcswitch.announce", map[string]string{"method": "work.do"})
	b.dispatch(c, req)

	resp := decodeSent(t, fc)
	if resp.Error == nil || resp.Error.Code != wire.HandlerThrew {
		t.Fatalf("expected a handler-threw error surfaced after the panic, got %+v", resp.Error)
	}
}

func TestMalformedChannelEnvelopeRejected(t *testing.T) {
	b := NewBroker(minimalPolicy(t), noopVerifier())
	client, fc := newTestConnection(1)
	client.state = stateAuth
	b.connections[1] = client

	req := &wire.Message{
		Jsonrpc:   "2.0",
		ID:        []byte(`"1"`),
		Method:    "whatever",
		RPCSwitch: &wire.Envelope{VCookie: "wrong-cookie", VCI: "x"},
	}
	b.dispatch(client, req)

	resp := decodeSent(t, fc)
	if resp.Error == nil || resp.Error.Code != wire.BadChannel {
		t.Fatalf("expected bad-channel error, got %+v", resp.Error)
	}
}
