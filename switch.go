package rpcswitch

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/felixge/tcpkeepalive"
	"golang.org/x/sync/errgroup"

	"github.com/korbank/rpcswitch/config"
)

const (
	tcpKeepAliveIdle     = 60 * time.Second
	tcpKeepAliveInterval = 15 * time.Second
	tcpKeepAliveCount    = 4
)

// ListenAndServe binds every configured listener and feeds accepted
// connections to b.Accept until ctx is cancelled or any one listener
// fails outright. It returns once every spawned listener has stopped.
func ListenAndServe(ctx context.Context, b *Broker, binds []config.Bind) error {
	listeners := make([]net.Listener, 0, len(binds))
	for _, bind := range binds {
		ln, err := bindListener(bind)
		if err != nil {
			for _, open := range listeners {
				open.Close()
			}
			return fmt.Errorf("bind %s: %w", bind.Address, err)
		}
		listeners = append(listeners, ln)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, ln := range listeners {
		ln := ln
		g.Go(func() error { return acceptLoop(gctx, ln, b) })
	}

	go func() {
		<-gctx.Done()
		for _, ln := range listeners {
			ln.Close()
		}
	}()

	return g.Wait()
}

// acceptLoop hands every accepted connection to the broker and keeps
// going until the listener is closed, which happens either on error or
// when the governing context is cancelled.
func acceptLoop(ctx context.Context, ln net.Listener, b *Broker) error {
	b.log.Info().Str("addr", ln.Addr().String()).Msg("listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		b.Accept(conn)
	}
}

func bindListener(bind config.Bind) (net.Listener, error) {
	switch bind.Type {
	case config.TCP:
		return listenTCPKeepAlive(bind.Address, bind.Port)

	case config.TLS:
		ln, err := listenTCPKeepAlive(bind.Address, bind.Port)
		if err != nil {
			return nil, err
		}
		cert, err := tls.LoadX509KeyPair(bind.Cert, bind.Key)
		if err != nil {
			ln.Close()
			return nil, err
		}
		return tls.NewListener(ln, &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}), nil

	case config.Unix:
		return listenUnixBind(bind)

	default:
		return nil, fmt.Errorf("unsupported bind type %v", bind.Type)
	}
}

// listenTCPKeepAlive opens a TCP listener whose accepted connections
// all carry OS-level keepalive probes, so a half-dead peer on the
// other side of a NAT or VPN is noticed and cleaned up instead of
// pinning a connection (and an announced worker slot) forever.
func listenTCPKeepAlive(address string, port uint16) (net.Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", address, port))
	if err != nil {
		return nil, err
	}
	return &keepAliveListener{Listener: ln}, nil
}

type keepAliveListener struct {
	net.Listener
}

func (l *keepAliveListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	ka, err := tcpkeepalive.EnableKeepAlive(conn)
	if err != nil {
		// keepalive tuning is best-effort; an unsupported platform or
		// connection type shouldn't fail the accept.
		return conn, nil
	}
	_ = ka.SetKeepAliveIdle(tcpKeepAliveIdle)
	_ = ka.SetKeepAliveInterval(tcpKeepAliveInterval)
	_ = ka.SetKeepAliveCount(tcpKeepAliveCount)
	return ka, nil
}
