package rpcswitch

import (
	"encoding/json"

	"github.com/korbank/rpcswitch/config"
	"github.com/korbank/rpcswitch/wire"
)

// channelKey identifies a channel by the stable ids of the two
// connections it joins, so repeated calls between the same
// (client, worker) pair reuse one channel instead of minting a fresh
// vci per call.
type channelKey struct {
	clientID uint64
	workerID uint64
}

// dispatch is the entry point for every decoded frame on every
// connection: it is the decision tree from the control-flow overview,
// implemented as a flat switch over message shape rather than its
// literal nesting, because channel-forwarded traffic can be either a
// request or a response and both need the same envelope check first.
func (b *Broker) dispatch(c *Connection, msg *wire.Message) {
	defer func() {
		// A single bad handler - a nil map, a bad type assertion, a
		// failed encode - must not take the whole event loop down with
		// it.
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Str("method", msg.Method).Msg("handler panicked")
			if len(msg.ID) > 0 {
				if err := c.send(wire.NewErrorResponse(msg.ID, wire.New(wire.HandlerThrew))); err != nil {
					b.log.Warn().Err(err).Msg("write failed")
				}
			}
		}
	}()

	switch {
	case msg.RPCSwitch != nil && msg.HasChannelEnvelope():
		b.channelForward(c, msg)

	case msg.RPCSwitch != nil:
		// An rpcswitch field is present but doesn't carry a valid
		// cookie+vci pair: malformed, not simply absent.
		if msg.IsRequest() {
			b.respondError(c, msg, ErrBadChannel)
		} else {
			b.log.Warn().Uint64("conn", c.id).Msg("dropping response with malformed channel envelope")
		}

	case msg.IsResponse():
		b.handleLocalResponse(c, msg)

	case msg.IsRequest() && isInternalMethod(msg.Method):
		b.handleInternal(c, msg)

	case msg.IsRequest():
		b.handleExternalCall(c, msg)

	default:
		b.respondError(c, msg, wire.New(wire.InvalidRequest))
	}
}

// respondError writes an error response, except on a true notification
// (no id), which per the propagation policy fails silently: it is
// logged and dropped, never answered.
func (b *Broker) respondError(c *Connection, msg *wire.Message, err error) {
	if len(msg.ID) == 0 {
		b.log.Debug().Str("method", msg.Method).Err(err).Msg("dropping failed notification")
		return
	}
	if sendErr := c.send(wire.NewErrorResponse(msg.ID, err)); sendErr != nil {
		b.log.Warn().Err(sendErr).Uint64("conn", c.id).Msg("write failed")
	}
}

// handleLocalResponse matches a plain (non-channel) response against
// requests the switch itself originated - in practice only its own
// rpcswitch.ping probes, kept in a namespace disjoint from forwarded
// channel request ids so the two can never collide.
func (b *Broker) handleLocalResponse(c *Connection, msg *wire.Message) {
	id := msg.IDString()
	if c.pendingPing != "" && id == c.pendingPing {
		b.onPong(c)
		return
	}
	b.log.Warn().Uint64("conn", c.id).Str("id", id).Msg("unmatched response id, dropping")
}

// channelForward implements the bidirectional relay across an
// already-established Channel: a request is recorded and forwarded
// toward the opposite endpoint with the destination's refcount bumped;
// a response is matched against its recorded direction, forwarded, and
// the responder's refcount given back.
func (b *Broker) channelForward(c *Connection, msg *wire.Message) {
	vci := msg.RPCSwitch.VCI

	ch, ok := c.channels[vci]
	if !ok {
		if msg.IsRequest() {
			b.respondError(c, msg, ErrNoChannel)
		} else {
			b.log.Warn().Str("vci", vci).Msg("response on unknown channel, dropping")
		}
		return
	}

	otherID, _ := ch.otherEnd(c.id)
	dest, ok := b.connections[otherID]
	if !ok {
		if msg.IsRequest() {
			b.respondError(c, msg, ErrGone)
		}
		return
	}

	if msg.IsRequest() {
		if id := msg.IDString(); id != "" {
			ch.Reqs[id] = ch.directionFrom(c.id)
			dest.refcount++
		}
		if err := dest.send(msg); err != nil {
			b.log.Warn().Err(err).Msg("channel forward write failed")
		}
		return
	}

	id := msg.IDString()
	if _, ok := ch.Reqs[id]; !ok {
		b.log.Warn().Str("vci", vci).Str("id", id).Msg("response id not tracked on channel, dropping")
		return
	}
	delete(ch.Reqs, id)
	if c.refcount > 0 {
		c.refcount--
	}
	if err := dest.send(msg); err != nil {
		b.log.Warn().Err(err).Msg("channel forward write failed")
	}
}

// handleExternalCall implements 4.6: ACL check, filter-scoped worker
// selection, channel find-or-create, envelope rewrite, forward.
func (b *Broker) handleExternalCall(c *Connection, msg *wire.Message) {
	if c.state != stateAuth {
		b.respondError(c, msg, ErrBadState)
		return
	}

	entry, ok := b.policy.Method(msg.Method)
	if !ok {
		b.respondError(c, msg, wire.New(wire.MethodNotFound))
		return
	}

	acl, ok := b.policy.MethodACL(msg.Method)
	if !ok {
		b.respondError(c, msg, ErrNoACL)
		return
	}
	if !b.policy.CheckACL(acl, c.who) {
		b.respondError(c, msg, ErrNotAllowed)
		return
	}

	backend := entry.Backend
	filterKey, hasFilter := b.policy.FilterKey(backend)

	var filterValue string
	if hasFilter {
		v, err := extractFilterValue(msg.Params, filterKey)
		if err != nil {
			b.respondError(c, msg, wire.NewData(wire.BadParam, err.Error()))
			return
		}
		filterValue = v
	}

	wm, err := b.registry.Select(backend, hasFilter, filterValue, b.refcountOf)
	if err != nil {
		b.respondError(c, msg, ErrNoWorker)
		return
	}

	workerConn, ok := b.connections[wm.connID]
	if !ok {
		b.respondError(c, msg, ErrNoWorker)
		return
	}

	b.callCounters[msg.Method]++

	ch := b.findOrCreateChannel(c, workerConn)

	isNotification := msg.IsNotification()
	if !isNotification {
		ch.Reqs[msg.IDString()] = toWorker
		workerConn.refcount++
	}

	forwarded := &wire.Message{
		Jsonrpc: "2.0",
		ID:      msg.ID,
		Method:  backend,
		Params:  msg.Params,
		RPCSwitch: &wire.Envelope{
			VCookie: wire.Cookie,
			VCI:     ch.VCI,
			Who:     c.who,
		},
	}
	if err := workerConn.send(forwarded); err != nil {
		b.log.Warn().Err(err).Msg("forward to worker failed")
	}
}

// findOrCreateChannel returns the existing channel between client and
// worker, or mints a fresh one with a random vci and wires it into
// both endpoints' channel tables.
func (b *Broker) findOrCreateChannel(client, worker *Connection) *Channel {
	key := channelKey{clientID: client.id, workerID: worker.id}
	if ch, ok := b.pairChannels[key]; ok {
		return ch
	}
	ch := newChannel(newVCI(), client.id, worker.id)
	b.pairChannels[key] = ch
	client.channels[ch.VCI] = ch
	worker.channels[ch.VCI] = ch
	return ch
}

// extractFilterValue pulls the configured filter field out of a call's
// params, requiring that params be a JSON object and the field be a
// defined scalar.
func extractFilterValue(params json.RawMessage, key string) (string, error) {
	if len(params) == 0 {
		return "", errFilterMissing(key)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(params, &obj); err != nil {
		return "", errFilterMissing(key)
	}

	raw, ok := obj[key]
	if !ok {
		return "", errFilterMissing(key)
	}

	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", errFilterMissing(key)
	}
	return config.ValidateFilterValue(v)
}

type filterMissingError struct{ key string }

func (e filterMissingError) Error() string { return "missing filter param " + e.key }

func errFilterMissing(key string) error { return filterMissingError{key: key} }
