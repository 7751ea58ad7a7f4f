//go:build !windows

package rpcswitch

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/korbank/rpcswitch/config"
)

// listenUnixBind opens a unix socket listener guarded by a lock file,
// with its mode and ownership applied the moment the socket file
// exists rather than left at whatever the process umask would give it.
func listenUnixBind(bind config.Bind) (net.Listener, error) {
	oldmask := unix.Umask(int(bind.Mode) ^ 0777)
	ln, err := ListenUnixLock(bind.Address)
	unix.Umask(oldmask)
	if err != nil {
		return nil, err
	}

	uid, gid := os.Getuid(), os.Getgid()
	if bind.UID >= 0 {
		uid = bind.UID
	}
	if bind.GID >= 0 {
		gid = bind.GID
	}
	if err := os.Chown(bind.Address, uid, gid); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chown %s: %w", bind.Address, err)
	}
	return ln, nil
}
