//go:build windows

package rpcswitch

import (
	"errors"
	"net"

	"github.com/korbank/rpcswitch/config"
)

// listenUnixBind is unsupported on windows: unix socket permission and
// ownership bits (mode, uid, gid) have no windows equivalent, and the
// lock-file scheme in ListenUnixLock assumes POSIX advisory locking.
func listenUnixBind(bind config.Bind) (net.Listener, error) {
	return nil, errors.New("unix socket binds are not supported on windows")
}
