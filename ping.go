package rpcswitch

import (
	"time"

	"github.com/google/uuid"

	"github.com/korbank/rpcswitch/wire"
)

// pingDeadline is how long a worker has to answer one rpcswitch.ping
// probe before the switch gives up on it and closes the connection.
const pingDeadline = 10 * time.Second

// armPing starts the liveness probe for c, if policy.Ping configures a
// period. It is a no-op if ping is disabled or already armed.
func (b *Broker) armPing(c *Connection) {
	if b.policy.Ping <= 0 || c.pingArmed {
		return
	}
	c.pingArmed = true
	b.schedulePingRound(c)
}

// disarmPing stops any in-flight timer for c and bumps its generation
// so a timer already queued on the runtime's timer heap is recognized
// as stale and ignored when it eventually fires.
func (b *Broker) disarmPing(c *Connection) {
	c.pingArmed = false
	c.pingGeneration++
	if c.pingTimer != nil {
		c.pingTimer.Stop()
	}
	if c.deadlineTimer != nil {
		c.deadlineTimer.Stop()
	}
	c.pendingPing = ""
}

// schedulePingRound arms the timer for the next probe, a fresh
// generation ahead of whatever round preceded it.
func (b *Broker) schedulePingRound(c *Connection) {
	c.pingGeneration++
	gen := c.pingGeneration
	connID := c.id
	c.pingTimer = time.AfterFunc(b.policy.Ping, func() {
		b.post(pingFireEvent{connID: connID, generation: gen})
	})
}

type pingFireEvent struct {
	connID     uint64
	generation uint64
}

func (e pingFireEvent) apply(b *Broker) {
	c, ok := b.connections[e.connID]
	if !ok || !c.pingArmed || c.pingGeneration != e.generation {
		return // connection gone, disarmed, or a new round already started
	}

	req, err := wire.NewRequest(uuid.NewString(), "rpcswitch.ping", nil)
	if err != nil {
		b.log.Error().Err(err).Msg("failed to build ping probe")
		return
	}
	c.pendingPing = req.IDString()
	if err := c.send(req); err != nil {
		b.log.Warn().Err(err).Uint64("conn", c.id).Msg("ping write failed")
		return
	}

	gen := e.generation
	c.deadlineTimer = time.AfterFunc(pingDeadline, func() {
		b.post(pingDeadlineEvent{connID: c.id, generation: gen})
	})
}

type pingDeadlineEvent struct {
	connID     uint64
	generation uint64
}

func (e pingDeadlineEvent) apply(b *Broker) {
	c, ok := b.connections[e.connID]
	if !ok || c.pingGeneration != e.generation {
		return // already answered and a new round started, or torn down
	}
	b.log.Warn().Uint64("conn", c.id).Msg("ping deadline exceeded, closing")
	_ = c.conn.Close()
}

// onPong answers a matched rpcswitch.ping response: cancel the
// deadline and, if still armed, schedule the next round.
func (b *Broker) onPong(c *Connection) {
	if c.deadlineTimer != nil {
		c.deadlineTimer.Stop()
	}
	c.pendingPing = ""
	if c.pingArmed {
		b.schedulePingRound(c)
	}
}
