package rpcswitch

import "github.com/korbank/rpcswitch/wire"

// Sentinel errors returned by internal helpers; each is also a valid
// wire.Error and can be handed straight to a response.
var (
	ErrNoWorker    = wire.New(wire.NoWorker)
	ErrNoChannel   = wire.New(wire.NoChannel)
	ErrBadChannel  = wire.New(wire.BadChannel)
	ErrBadState    = wire.New(wire.BadState)
	ErrNoNamespace = wire.New(wire.NoNamespace)
	ErrNoACL       = wire.New(wire.NoACL)
	ErrNotAllowed  = wire.New(wire.NotAllowed)
	ErrGone        = wire.New(wire.Gone)
)
