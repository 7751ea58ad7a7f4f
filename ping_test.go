package rpcswitch

import "testing"

func TestPingFireSendsProbeAndArmsDeadline(t *testing.T) {
	b := NewBroker(minimalPolicy(t), nil)
	c, fc := newTestConnection(1)
	c.pingArmed = true
	c.pingGeneration = 1
	b.connections[1] = c

	pingFireEvent{connID: 1, generation: 1}.apply(b)

	if c.pendingPing == "" {
		t.Fatal("expected pendingPing set once the probe is sent")
	}
	msg := decodeSent(t, fc)
	if msg.Method != "rpcswitch.ping" {
		t.Errorf("expected an rpcswitch.ping probe, got %q", msg.Method)
	}
	if c.deadlineTimer == nil {
		t.Fatal("expected a deadline timer armed")
	}
	c.deadlineTimer.Stop()
}

func TestPingFireStaleGenerationIgnored(t *testing.T) {
	b := NewBroker(minimalPolicy(t), nil)
	c, _ := newTestConnection(1)
	c.pingArmed = true
	c.pingGeneration = 2
	b.connections[1] = c

	pingFireEvent{connID: 1, generation: 1}.apply(b)

	if c.pendingPing != "" {
		t.Error("expected a stale ping round to be ignored")
	}
}

func TestPingDeadlineExceededClosesConnection(t *testing.T) {
	b := NewBroker(minimalPolicy(t), nil)
	c, fc := newTestConnection(1)
	c.pingGeneration = 1
	b.connections[1] = c

	pingDeadlineEvent{connID: 1, generation: 1}.apply(b)

	if !fc.closed {
		t.Error("expected the connection closed after a missed ping deadline")
	}
}

func TestPingDeadlineStaleGenerationIgnored(t *testing.T) {
	b := NewBroker(minimalPolicy(t), nil)
	c, fc := newTestConnection(1)
	c.pingGeneration = 5
	b.connections[1] = c

	pingDeadlineEvent{connID: 1, generation: 1}.apply(b)

	if fc.closed {
		t.Error("expected a stale deadline from an earlier round to be ignored")
	}
}

func TestOnPongClearsPendingAndReschedulesWhenArmed(t *testing.T) {
	b := NewBroker(minimalPolicy(t), nil)
	c, _ := newTestConnection(1)
	c.pendingPing = `"x"`
	c.pingArmed = true
	b.connections[1] = c

	b.onPong(c)

	if c.pendingPing != "" {
		t.Error("expected pendingPing cleared on a matched pong")
	}
	if c.pingTimer == nil {
		t.Fatal("expected the next ping round scheduled while still armed")
	}
	c.pingTimer.Stop()
}

func TestOnPongDoesNotRescheduleWhenDisarmed(t *testing.T) {
	b := NewBroker(minimalPolicy(t), nil)
	c, _ := newTestConnection(1)
	c.pendingPing = `"x"`
	c.pingArmed = false
	b.connections[1] = c

	b.onPong(c)

	if c.pingTimer != nil {
		t.Error("expected no new round scheduled once ping is disarmed")
	}
}

func TestArmPingNoopWhenPingDisabled(t *testing.T) {
	policy := testPolicy(t, "ping: 0s\n")
	b := NewBroker(policy, nil)
	c, _ := newTestConnection(1)
	b.connections[1] = c

	b.armPing(c)

	if c.pingArmed {
		t.Error("expected armPing to be a no-op when policy.Ping is zero")
	}
}
