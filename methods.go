package rpcswitch

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/korbank/rpcswitch/auth"
	"github.com/korbank/rpcswitch/config"
	"github.com/korbank/rpcswitch/wire"
)

// internalMethods is the fixed set of rpcswitch.* control methods,
// handled locally instead of forwarded to a backend.
var internalMethods = map[string]struct{}{
	"rpcswitch.hello":              {},
	"rpcswitch.ping":               {},
	"rpcswitch.announce":           {},
	"rpcswitch.withdraw":           {},
	"rpcswitch.get_clients":        {},
	"rpcswitch.get_methods":        {},
	"rpcswitch.get_method_details": {},
	"rpcswitch.get_workers":        {},
	"rpcswitch.get_stats":          {},
}

func isInternalMethod(method string) bool {
	_, ok := internalMethods[method]
	return ok
}

// handleInternal dispatches one rpcswitch.* call. Every method here
// answers a request; a notification-shaped call against one of them is
// rejected with not-notification rather than silently accepted, since
// none of them make sense fire-and-forget.
func (b *Broker) handleInternal(c *Connection, msg *wire.Message) {
	if msg.Method != "rpcswitch.hello" && len(msg.ID) == 0 {
		b.respondNotNotification(c)
		return
	}

	switch msg.Method {
	case "rpcswitch.hello":
		b.doHello(c, msg)
	case "rpcswitch.ping":
		b.doPingMethod(c, msg)
	case "rpcswitch.announce":
		b.doAnnounce(c, msg)
	case "rpcswitch.withdraw":
		b.doWithdraw(c, msg)
	case "rpcswitch.get_clients":
		b.doGetClients(c, msg)
	case "rpcswitch.get_methods":
		b.doGetMethods(c, msg)
	case "rpcswitch.get_method_details":
		b.doGetMethodDetails(c, msg)
	case "rpcswitch.get_workers":
		b.doGetWorkers(c, msg)
	case "rpcswitch.get_stats":
		b.doGetStats(c, msg)
	}
}

// respondNotNotification answers a malformed id-less internal call.
// There is no id to answer with, so it goes out with the JSON null id,
// same as any other JSON-RPC response to a request too broken to
// correlate.
func (b *Broker) respondNotNotification(c *Connection) {
	if err := c.send(wire.NewErrorResponse(json.RawMessage("null"), wire.New(wire.NotNotification))); err != nil {
		b.log.Warn().Err(err).Msg("write failed")
	}
}

func (b *Broker) reply(c *Connection, msg *wire.Message, result interface{}) {
	resp, err := wire.NewResult(msg.ID, result)
	if err != nil {
		b.log.Error().Err(err).Str("method", msg.Method).Msg("failed to marshal internal result")
		b.respondError(c, msg, wire.New(wire.InternalError))
		return
	}
	if err := c.send(resp); err != nil {
		b.log.Warn().Err(err).Msg("write failed")
	}
}

// decodeParams unmarshals params into dst, reporting invalid-params on
// any shape mismatch - missing object, wrong type, unknown encoding.
func decodeParams(msg *wire.Message, dst interface{}) error {
	if len(msg.Params) == 0 {
		return wire.New(wire.InvalidParams)
	}
	if err := json.Unmarshal(msg.Params, dst); err != nil {
		return wire.New(wire.InvalidParams)
	}
	return nil
}

// --- rpcswitch.hello -------------------------------------------------

type helloParams struct {
	Method string `json:"method"`
	Who    string `json:"who"`
	Token  string `json:"token"`
}

func (b *Broker) doHello(c *Connection, msg *wire.Message) {
	if c.state != stateNew {
		b.respondError(c, msg, ErrBadState)
		return
	}
	if len(msg.ID) == 0 {
		b.respondNotNotification(c)
		return
	}

	var p helloParams
	if err := decodeParams(msg, &p); err != nil {
		b.respondError(c, msg, err)
		return
	}

	connID := c.id
	id := append(json.RawMessage{}, msg.ID...)
	who := p.Who

	go func() {
		res, err := b.verifier.Verify(context.Background(), p.Method, p.Who, p.Token)
		b.post(helloResultEvent{connID: connID, id: id, who: who, result: res, err: err})
	}()
}

type helloResultEvent struct {
	connID uint64
	id     json.RawMessage
	who    string
	result auth.Result
	err    error
}

func (e helloResultEvent) apply(b *Broker) {
	c, ok := b.connections[e.connID]
	if !ok {
		return // connection dropped while auth was in flight
	}
	msg := &wire.Message{Method: "rpcswitch.hello", ID: e.id}

	if e.err != nil {
		b.log.Warn().Err(e.err).Str("who", e.who).Msg("auth verifier error")
		b.respondError(c, msg, wire.New(wire.AuthFailed))
		return
	}
	if !e.result.OK {
		b.respondError(c, msg, wire.New(wire.AuthFailed))
		return
	}

	c.state = stateAuth
	c.who = e.who
	b.log.Info().Uint64("conn", c.id).Str("who", e.who).Msg("authenticated")
	b.reply(c, msg, map[string]string{"msg": "success"})
}

// --- rpcswitch.ping (incoming probe, answered inline) -----------------

func (b *Broker) doPingMethod(c *Connection, msg *wire.Message) {
	if c.state != stateAuth {
		b.respondError(c, msg, ErrBadState)
		return
	}
	b.reply(c, msg, "pong?")
}

// --- rpcswitch.announce ----------------------------------------------

type announceParams struct {
	Method     string                 `json:"method"`
	WorkerName string                 `json:"workername,omitempty"`
	Filter     map[string]interface{} `json:"filter,omitempty"`
	Doc        string                 `json:"doc,omitempty"`
}

func (b *Broker) doAnnounce(c *Connection, msg *wire.Message) {
	if c.state != stateAuth {
		b.respondError(c, msg, ErrBadState)
		return
	}

	var p announceParams
	if err := decodeParams(msg, &p); err != nil {
		b.respondError(c, msg, err)
		return
	}

	if !strings.Contains(p.Method, ".") {
		b.respondError(c, msg, ErrNoNamespace)
		return
	}

	if _, exists := c.methods[p.Method]; exists {
		b.respondError(c, msg, wire.New(wire.InvalidRequest))
		return
	}

	acl, ok := b.policy.BackendACL(p.Method)
	if !ok || !b.policy.CheckACL(acl, c.who) {
		b.respondError(c, msg, ErrNoACL)
		return
	}

	filterKey, hasFilter := b.policy.FilterKey(p.Method)
	var filterValue string
	switch {
	case hasFilter:
		if len(p.Filter) != 1 {
			b.respondError(c, msg, wire.NewData(wire.BadParam, "filter must supply exactly one value for "+filterKey))
			return
		}
		v, ok := p.Filter[filterKey]
		if !ok {
			b.respondError(c, msg, wire.NewData(wire.BadParam, "filter missing key "+filterKey))
			return
		}
		val, err := config.ValidateFilterValue(v)
		if err != nil {
			b.respondError(c, msg, wire.NewData(wire.BadParam, err.Error()))
			return
		}
		filterValue = val
	case len(p.Filter) > 0:
		b.respondError(c, msg, wire.NewData(wire.BadParam, "backend is not filtered"))
		return
	}

	if c.workerID == 0 {
		b.nextWorkerID++
		c.workerID = b.nextWorkerID
		c.workerName = p.WorkerName
	}

	wm := &WorkerMethod{
		Method:      p.Method,
		Doc:         p.Doc,
		FilterKey:   filterKey,
		FilterValue: filterValue,
		connID:      c.id,
	}

	firstAnnounce := len(c.methods) == 0
	c.methods[p.Method] = wm
	b.registry.Announce(p.Method, wm)

	if firstAnnounce {
		b.activeWorkers++
		b.armPing(c)
	}

	b.log.Info().Uint64("conn", c.id).Str("method", p.Method).Msg("announced")
	b.reply(c, msg, map[string]interface{}{"msg": "success", "worker_id": c.workerID})
}

// --- rpcswitch.withdraw ------------------------------------------------

type withdrawParams struct {
	Method string `json:"method"`
}

func (b *Broker) doWithdraw(c *Connection, msg *wire.Message) {
	if c.state != stateAuth {
		b.respondError(c, msg, ErrBadState)
		return
	}

	var p withdrawParams
	if err := decodeParams(msg, &p); err != nil {
		b.respondError(c, msg, err)
		return
	}

	if wm, ok := c.methods[p.Method]; ok {
		b.withdrawMethod(c, wm)
		b.log.Info().Uint64("conn", c.id).Str("method", p.Method).Msg("withdrawn")
	}

	b.reply(c, msg, true)
}

// withdrawMethod removes one announced method from both the
// connection's table and the registry, and if that was the
// connection's last one, disarms its ping timer and decrements the
// global worker count.
func (b *Broker) withdrawMethod(c *Connection, wm *WorkerMethod) {
	delete(c.methods, wm.Method)
	b.registry.Withdraw(wm.Method, wm)
	if len(c.methods) == 0 {
		b.disarmPing(c)
		if b.activeWorkers > 0 {
			b.activeWorkers--
		}
	}
}

// --- introspection -----------------------------------------------------

func (b *Broker) doGetClients(c *Connection, msg *wire.Message) {
	if c.state != stateAuth {
		b.respondError(c, msg, ErrBadState)
		return
	}
	type clientInfo struct {
		From       string `json:"from"`
		Who        string `json:"who"`
		State      string `json:"state"`
		IsWorker   bool   `json:"is_worker"`
		WorkerName string `json:"workername,omitempty"`
		WorkerID   uint64 `json:"worker_id,omitempty"`
	}
	out := make([]clientInfo, 0, len(b.connections))
	for _, conn := range b.connections {
		out = append(out, clientInfo{
			From:       conn.from,
			Who:        conn.who,
			State:      conn.state.String(),
			IsWorker:   conn.isWorker(),
			WorkerName: conn.workerName,
			WorkerID:   conn.workerID,
		})
	}
	b.reply(c, msg, out)
}

func (b *Broker) doGetMethods(c *Connection, msg *wire.Message) {
	if c.state != stateAuth {
		b.respondError(c, msg, ErrBadState)
		return
	}
	type methodInfo struct {
		Backend string `json:"backend"`
		Doc     string `json:"doc,omitempty"`
	}
	out := make(map[string]methodInfo)
	for name, entry := range b.policy.Methods() {
		out[name] = methodInfo{Backend: entry.Backend, Doc: entry.Doc}
	}
	b.reply(c, msg, out)
}

type methodDetailsParams struct {
	Method string `json:"method"`
}

func (b *Broker) doGetMethodDetails(c *Connection, msg *wire.Message) {
	if c.state != stateAuth {
		b.respondError(c, msg, ErrBadState)
		return
	}

	var p methodDetailsParams
	if err := decodeParams(msg, &p); err != nil {
		b.respondError(c, msg, err)
		return
	}

	entry, ok := b.policy.Method(p.Method)
	if !ok {
		b.respondError(c, msg, wire.New(wire.MethodNotFound))
		return
	}

	callACL, _ := b.policy.MethodACL(p.Method)
	backendACL, _ := b.policy.BackendACL(entry.Backend)
	filterKey, hasFilter := b.policy.FilterKey(entry.Backend)

	workerIDs := make([]uint64, 0)
	for _, connID := range b.registry.workerIDsFor(entry.Backend) {
		if conn, ok := b.connections[connID]; ok {
			workerIDs = append(workerIDs, conn.workerID)
		}
	}

	detail := map[string]interface{}{
		"backend":      entry.Backend,
		"doc":          entry.Doc,
		"call_counter": b.callCounters[p.Method],
		"call_acl":     callACL,
		"announce_acl": backendACL,
		"workers":      workerIDs,
	}
	if hasFilter {
		detail["filter_key"] = filterKey
	}
	b.reply(c, msg, detail)
}

func (b *Broker) doGetWorkers(c *Connection, msg *wire.Message) {
	if c.state != stateAuth {
		b.respondError(c, msg, ErrBadState)
		return
	}

	snap := b.registry.snapshot()
	out := make(map[string][]WorkerSnapshot, len(snap))
	for backend, list := range snap {
		resolved := make([]WorkerSnapshot, len(list))
		for i, w := range list {
			resolved[i] = w
			if conn, ok := b.connections[w.ConnID]; ok {
				resolved[i].WorkerID = conn.workerID
				resolved[i].WorkerName = conn.workerName
			}
		}
		out[backend] = resolved
	}
	b.reply(c, msg, out)
}

func (b *Broker) doGetStats(c *Connection, msg *wire.Message) {
	if c.state != stateAuth {
		b.respondError(c, msg, ErrBadState)
		return
	}

	clients := 0
	for _, conn := range b.connections {
		if conn.state == stateAuth && !conn.isWorker() {
			clients++
		}
	}

	methods := make(map[string]uint64)
	for name, n := range b.callCounters {
		if n > 0 {
			methods[name] = n
		}
	}

	b.reply(c, msg, map[string]interface{}{
		"chunks":      b.chunks,
		"clients":     clients,
		"connections": len(b.connections),
		"workers":     b.activeWorkers,
		"methods":     methods,
	})
}

