package rpcswitch

import (
	"context"
	"testing"

	"github.com/korbank/rpcswitch/auth"
	"github.com/korbank/rpcswitch/wire"
)

func TestHelloSuccessTransitionsToAuth(t *testing.T) {
	b := NewBroker(minimalPolicy(t), auth.VerifierFunc(func(context.Context, string, string, string) (auth.Result, error) {
		return auth.Result{OK: true}, nil
	}))
	c, fc := newTestConnection(1)
	c.state = stateNew
	b.connections[1] = c

	req, _ := wire.NewRequest("1", "rpcswitch.hello", map[string]string{"method": "password", "who": "alice", "token": "secret"})
	b.doHello(c, req)
	(<-b.events).apply(b)

	if c.state != stateAuth {
		t.Fatalf("expected state auth after successful hello, got %v", c.state)
	}
	if c.who != "alice" {
		t.Errorf("expected who recorded as alice, got %q", c.who)
	}
	resp := decodeSent(t, fc)
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %+v", resp.Error)
	}
}

func TestHelloFailureLeavesStateUnauthenticated(t *testing.T) {
	b := NewBroker(minimalPolicy(t), auth.VerifierFunc(func(context.Context, string, string, string) (auth.Result, error) {
		return auth.Result{OK: false}, nil
	}))
	c, fc := newTestConnection(1)
	c.state = stateNew
	b.connections[1] = c

	req, _ := wire.NewRequest("1", "rpcswitch.hello", map[string]string{"method": "password", "who": "alice", "token": "wrong"})
	b.doHello(c, req)
	(<-b.events).apply(b)

	if c.state != stateNew {
		t.Fatalf("expected state to remain new after a rejected hello, got %v", c.state)
	}
	resp := decodeSent(t, fc)
	if resp.Error == nil || resp.Error.Code != wire.AuthFailed {
		t.Fatalf("expected auth-failed error, got %+v", resp.Error)
	}
}

func TestHelloWrongStateRejected(t *testing.T) {
	b := NewBroker(minimalPolicy(t), noopVerifier())
	c, fc := newTestConnection(1)
	c.state = stateAuth
	b.connections[1] = c

	req, _ := wire.NewRequest("1", "rpcswitch.hello", map[string]string{"method": "password"})
	b.doHello(c, req)

	resp := decodeSent(t, fc)
	if resp.Error == nil || resp.Error.Code != wire.BadState {
		t.Fatalf("expected bad-state error for a second hello, got %+v", resp.Error)
	}
}

func TestAnnounceAssignsWorkerIDAndArmsPing(t *testing.T) {
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
	b.connections[1] = c

	req, _ := wire.NewRequest("1", "rpcswitch.announce", map[string]string{"method": "work.do"})
	b.doAnnounce(c, req)

	resp := decodeSent(t, fc)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if c.workerID == 0 {
		t.Error("expected a worker_id to be assigned")
	}
	if !b.registry.HasBackend("work.do") {
		t.Error("expected the backend registered")
	}
	if b.activeWorkers != 1 {
		t.Errorf("expected activeWorkers=1, got %d", b.activeWorkers)
	}
	if !c.pingArmed {
		t.Error("expected ping armed on first announce")
	}
}

func TestAnnounceDeniedWithoutBackendACL(t *testing.T) {
	policy := testPolicy(t, `
ping: 60s
methods:
  svc.do:
    backend: work.do
`)
	b := NewBroker(policy, noopVerifier())
	c, fc := newTestConnection(1)
	c.state = stateAuth
	c.who = "alice"
	b.connections[1] = c

	req, _ := wire.NewRequest("1", "rpcswitch.announce", map[string]string{"method": "work.do"})
	b.doAnnounce(c, req)

	resp := decodeSent(t, fc)
	if resp.Error == nil || resp.Error.Code != wire.NoACL {
		t.Fatalf("expected no-acl error, got %+v", resp.Error)
	}
}

func TestAnnounceRejectsMissingNamespace(t *testing.T) {
	b := NewBroker(minimalPolicy(t), noopVerifier())
	c, fc := newTestConnection(1)
	c.state = stateAuth
	c.who = "alice"
	b.connections[1] = c

	req, _ := wire.NewRequest("1", "rpcswitch.announce", map[string]string{"method": "noDot"})
	b.doAnnounce(c, req)

	resp := decodeSent(t, fc)
	if resp.Error == nil || resp.Error.Code != wire.NoNamespace {
		t.Fatalf("expected no-namespace error, got %+v", resp.Error)
	}
}

func TestWithdrawClearsWorkerSlotAndDisarmsPing(t *testing.T) {
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
	b.connections[1] = c

	announceReq, _ := wire.NewRequest("1", "rpcswitch.announce", map[string]string{"method": "work.do"})
	b.doAnnounce(c, announceReq)
	decodeSent(t, fc)

	withdrawReq, _ := wire.NewRequest("2", "rpcswitch.withdraw", map[string]string{"method": "work.do"})
	b.doWithdraw(c, withdrawReq)
	decodeSent(t, fc)

	if b.registry.HasBackend("work.do") {
		t.Error("expected the backend entry removed after withdraw")
	}
	if b.activeWorkers != 0 {
		t.Errorf("expected activeWorkers back to 0, got %d", b.activeWorkers)
	}
	if c.pingArmed {
		t.Error("expected ping disarmed once the last method is withdrawn")
	}
}

func TestInternalMethodRejectsNotification(t *testing.T) {
	b := NewBroker(minimalPolicy(t), noopVerifier())
	c, fc := newTestConnection(1)
	c.state = stateAuth
	b.connections[1] = c

	notif, _ := wire.NewNotification("rpcswitch.ping", nil)
	b.handleInternal(c, notif)

	resp := decodeSent(t, fc)
	if resp.Error == nil || resp.Error.Code != wire.NotNotification {
		t.Fatalf("expected not-notification error, got %+v", resp.Error)
	}
}
