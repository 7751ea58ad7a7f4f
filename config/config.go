// Package config loads the switch's policy definition - ACLs, the
// method and backend tables, filter keys and listener binds - from a
// declarative YAML document and resolves it into an immutable Policy
// snapshot.
package config

import (
	"container/list"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/rs/zerolog"
	"gopkg.in/yaml.v2"
)

var logger = log.Nop()

// SetTemporaryLog installs the logger used while parsing, before the
// process logger configured from the file itself is available.
func SetTemporaryLog(l log.Logger) {
	logger = l
}

var (
	ErrInvalidConfig = errors.New("invalid config")
	ErrInvalidACL    = fmt.Errorf("%w: invalid acl", ErrInvalidConfig)
	ErrInvalidMethod = fmt.Errorf("%w: invalid method definition", ErrInvalidConfig)
)

// BindType names the transport a listener accepts.
type BindType int

const (
	BindTypeUnknown BindType = iota
	TCP
	TLS
	Unix
)

func parseBindType(v string) (BindType, error) {
	switch strings.ToLower(v) {
	case "tcp":
		return TCP, nil
	case "tls":
		return TLS, nil
	case "unix":
		return Unix, nil
	default:
		return BindTypeUnknown, fmt.Errorf("%w: unknown bind type %q", ErrInvalidConfig, v)
	}
}

// FileMode is the octal permission mask applied to a unix socket.
type FileMode os.FileMode

// Bind describes one listen point.
type Bind struct {
	Type    BindType
	Address string
	Port    uint16
	// Mode, UID, GID apply only to Type == Unix.
	Mode FileMode
	UID  int
	GID  int
	// Cert, Key apply only to Type == TLS.
	Cert string
	Key  string
}

// LogLevel mirrors the handful of severities the process logger cares
// about; LLUndefined lets an included file leave the parent's choice
// untouched.
type LogLevel int8

const (
	LLUndefined LogLevel = iota
	LLOff
	LLDebug
	LLInfo
	LLWarn
	LLError
)

func parseLogLevel(v string) (LogLevel, error) {
	switch strings.ToLower(v) {
	case "off":
		return LLOff, nil
	case "trace", "debug":
		return LLDebug, nil
	case "info":
		return LLInfo, nil
	case "warn":
		return LLWarn, nil
	case "error":
		return LLError, nil
	default:
		return LLUndefined, fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, v)
	}
}

// Backend names where log output goes.
type Backend int8

const (
	BackendUndefined Backend = 0
	BackendStdout    Backend = 1 << iota
	BackendStderr
	BackendSyslog
)

func parseBackend(v string) (Backend, error) {
	switch strings.ToLower(v) {
	case "", "stderr":
		return BackendStderr, nil
	case "stdout":
		return BackendStdout, nil
	case "syslog":
		return BackendSyslog, nil
	default:
		return BackendUndefined, fmt.Errorf("%w: unknown log backend %q", ErrInvalidConfig, v)
	}
}

// LogDef holds the process-wide logging choice.
type LogDef struct {
	Backend
	LogLevel LogLevel `yaml:"level"`
	Path     string
}

// Protocol groups the listener binds for the switch.
type Protocol struct {
	Bind []Bind
}

type rawInclude struct {
	Path     string
	Required bool
}

// ACLRef is either a single ACL name or a list of names, normalized to
// a slice during unmarshal so callers never branch on shape.
type ACLRef []string

// MethodSpec is an entry of the method table: the backend method name
// to forward to, and an optional doc string surfaced by
// get_method_details.
type MethodSpec struct {
	Backend string
	Doc     string
}

// RawConfig is the document shape as it appears on disk, before ACL
// inclusion is resolved and cross references are validated.
type RawConfig struct {
	Include       []rawInclude
	Log           LogDef
	Ping          time.Duration
	Protocol      Protocol
	ACL           map[string][]string
	Method2ACL    map[string]ACLRef `yaml:"method2acl"`
	Backend2ACL   map[string]ACLRef `yaml:"backend2acl"`
	BackendFilter map[string]string `yaml:"backendfilter"`
	Methods       map[string]MethodSpec
}

func defaultRawConfig() RawConfig {
	return RawConfig{
		Ping: 60 * time.Second,
	}
}

func searchIncludeFiles(path string, required bool) ([]string, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		if required {
			return nil, err
		}
		logger.Warn().Str("path", path).Msg("optional include not found")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".conf" {
			out = append(out, filepath.Join(path, e.Name()))
		}
	}
	return out, nil
}

// Load reads and merges one or more policy files (following Include
// directives breadth-first) and resolves the result into an immutable
// Policy snapshot.
func Load(paths ...string) (*Policy, error) {
	raw := defaultRawConfig()

	pending := list.New()
	for _, p := range paths {
		pending.PushBack(p)
	}

	for pending.Len() != 0 {
		path := pending.Remove(pending.Front()).(string)
		logger.Trace().Str("loading", path).Send()

		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}

		var piece RawConfig
		decoder := yaml.NewDecoder(f)
		decoder.SetStrict(true)
		err = decoder.Decode(&piece)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}

		for _, inc := range piece.Include {
			files, err := searchIncludeFiles(inc.Path, inc.Required)
			if err != nil {
				return nil, err
			}
			for _, f := range files {
				pending.PushBack(f)
			}
		}

		mergeRawConfig(&raw, piece)
	}

	return resolve(raw)
}

func mergeRawConfig(a *RawConfig, b RawConfig) {
	a.Include = append(a.Include, b.Include...)
	mergeLog(&a.Log, b.Log)

	if b.Ping != 0 {
		a.Ping = b.Ping
	}

	a.Protocol.Bind = append(a.Protocol.Bind, b.Protocol.Bind...)

	if a.ACL == nil {
		a.ACL = map[string][]string{}
	}
	for k, v := range b.ACL {
		a.ACL[k] = v
	}

	if a.Method2ACL == nil {
		a.Method2ACL = map[string]ACLRef{}
	}
	for k, v := range b.Method2ACL {
		a.Method2ACL[k] = v
	}

	if a.Backend2ACL == nil {
		a.Backend2ACL = map[string]ACLRef{}
	}
	for k, v := range b.Backend2ACL {
		a.Backend2ACL[k] = v
	}

	if a.BackendFilter == nil {
		a.BackendFilter = map[string]string{}
	}
	for k, v := range b.BackendFilter {
		a.BackendFilter[k] = v
	}

	if a.Methods == nil {
		a.Methods = map[string]MethodSpec{}
	}
	for k, v := range b.Methods {
		a.Methods[k] = v
	}
}

func mergeLog(a *LogDef, b LogDef) {
	if b.Backend != BackendUndefined {
		a.Backend = b.Backend
	}
	if b.LogLevel != LLUndefined {
		a.LogLevel = b.LogLevel
	}
	if b.Path != "" {
		a.Path = b.Path
	}
}
