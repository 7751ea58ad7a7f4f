// Package auth defines the pluggable verifier the switch calls during
// rpcswitch.hello, plus a simple password-file backed implementation
// suitable for small deployments.
package auth

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/mkocot/pwhash"
)

// Result is what a Verifier returns for one hello call.
type Result struct {
	OK bool
	// ReAuth is an optional hook a backend may return to re-confirm the
	// principal's credentials. The switch stores nothing from it and
	// never calls it; revocation takes effect at the next hello.
	ReAuth func(ctx context.Context) (bool, error)
}

// Verifier authenticates a hello call. It is the switch's only
// external collaborator for authentication and is never invoked
// outside of rpcswitch.hello.
type Verifier interface {
	Verify(ctx context.Context, method, who, token string) (Result, error)
}

// VerifierFunc adapts a plain function to Verifier.
type VerifierFunc func(ctx context.Context, method, who, token string) (Result, error)

func (f VerifierFunc) Verify(ctx context.Context, method, who, token string) (Result, error) {
	return f(ctx, method, who, token)
}

// PasswordFile is a Verifier backed by a "who:hash" text file, one
// entry per line, hashes in apache-md5-crypt form. It supports a
// single auth method name, conventionally "password".
type PasswordFile struct {
	Method string

	mu      sync.RWMutex
	entries map[string]string
}

// LoadPasswordFile reads a password file into a ready-to-use Verifier.
func LoadPasswordFile(method, path string) (*PasswordFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		who, hash, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%s: malformed entry %q", path, line)
		}
		entries[who] = hash
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return &PasswordFile{Method: method, entries: entries}, nil
}

// Verify implements Verifier. It never returns a re-auth hook: the
// in-memory entries are consulted only at rpcswitch.hello and replaced
// only by Reload, so a revoked user stays connected until they
// reconnect.
func (p *PasswordFile) Verify(_ context.Context, method, who, token string) (Result, error) {
	if method != p.Method {
		return Result{}, fmt.Errorf("unsupported auth method %q", method)
	}

	p.mu.RLock()
	hash, ok := p.entries[who]
	p.mu.RUnlock()
	if !ok {
		return Result{OK: false}, nil
	}

	ok, err := pwhash.Verify(token, hash)
	if err != nil {
		return Result{}, err
	}
	return Result{OK: ok}, nil
}

// Reload atomically replaces the in-memory entries from path, so a
// running switch can pick up added or revoked users without a
// restart. Callers typically wire this to the same signal that
// triggers a policy reload.
func (p *PasswordFile) Reload(path string) error {
	fresh, err := LoadPasswordFile(p.Method, path)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.entries = fresh.entries
	p.mu.Unlock()
	return nil
}
