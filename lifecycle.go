package rpcswitch

import "github.com/korbank/rpcswitch/wire"

// disconnect tears down one connection: withdraws every method it had
// announced, then for each channel it was party to, fails any
// outstanding request pointed at the vanished side with gone and
// notifies the surviving peer, before dropping the channel from both
// connection tables.
func (b *Broker) disconnect(c *Connection) {
	c.state = stateClosing

	for _, wm := range c.methods {
		b.registry.Withdraw(wm.Method, wm)
	}
	if len(c.methods) > 0 {
		if b.activeWorkers > 0 {
			b.activeWorkers--
		}
	}
	c.methods = nil

	b.disarmPing(c)

	for vci, ch := range c.channels {
		b.closeChannel(c, ch)
		delete(c.channels, vci)
	}

	delete(b.connections, c.id)
}

// closeChannel resolves one channel that c is part of: any request
// still pending toward c is answered gone on behalf of the caller, the
// surviving peer is told the channel is gone, and the channel is
// removed from the peer's table too.
func (b *Broker) closeChannel(c *Connection, ch *Channel) {
	otherID, _ := ch.otherEnd(c.id)
	peer, ok := b.connections[otherID]

	if ok {
		towardC := ch.directionFrom(otherID)
		for id, dir := range ch.Reqs {
			if dir == towardC {
				// peer is owed an answer c can no longer give; answer on its
				// behalf rather than leave the call hanging forever.
				resp := wire.NewErrorResponse([]byte(id), ErrGone)
				if err := peer.send(resp); err != nil {
					b.log.Warn().Err(err).Msg("gone response write failed")
				}
				continue
			}
			// c had asked peer something and can no longer take the
			// answer; abandon it and release the refcount that was
			// reserved against peer for it.
			if peer.refcount > 0 {
				peer.refcount--
			}
		}

		notice, err := wire.NewNotification("rpcswitch.channel_gone", map[string]string{"channel": ch.VCI})
		if err == nil {
			if err := peer.send(notice); err != nil {
				b.log.Warn().Err(err).Msg("channel_gone write failed")
			}
		}

		delete(peer.channels, ch.VCI)
	}

	delete(b.pairChannels, channelKey{clientID: ch.ClientID, workerID: ch.WorkerID})
}
