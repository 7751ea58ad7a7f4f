package config

import (
	"fmt"
	"strings"
	"time"
)

// MethodEntry is a resolved entry of the public method table.
type MethodEntry struct {
	Name    string
	Backend string
	Doc     string
}

// Policy is the immutable, resolved result of loading a policy
// document. A new Policy is built wholesale on every reload and
// installed atomically; nothing about it is ever mutated in place.
type Policy struct {
	acl           map[string]*aclResolution
	method2acl    map[string]ACLRef
	backend2acl   map[string]ACLRef
	backendFilter map[string]string
	methods       map[string]*MethodEntry

	Ping  time.Duration
	Log   LogDef
	Binds []Bind
}

func resolve(raw RawConfig) (*Policy, error) {
	resolvedACLs, err := resolveACLs(raw.ACL)
	if err != nil {
		return nil, err
	}

	if err := validateACLRefs(raw.Method2ACL, resolvedACLs, "method2acl"); err != nil {
		return nil, err
	}
	if err := validateACLRefs(raw.Backend2ACL, resolvedACLs, "backend2acl"); err != nil {
		return nil, err
	}

	methods := make(map[string]*MethodEntry, len(raw.Methods))
	for name, spec := range raw.Methods {
		backend := spec.Backend
		if strings.HasSuffix(backend, ".") {
			backend += shortName(name)
		}
		methods[name] = &MethodEntry{Name: name, Backend: backend, Doc: spec.Doc}
	}

	return &Policy{
		acl:           resolvedACLs,
		method2acl:    raw.Method2ACL,
		backend2acl:   raw.Backend2ACL,
		backendFilter: raw.BackendFilter,
		methods:       methods,
		Ping:          raw.Ping,
		Log:           raw.Log,
		Binds:         raw.Protocol.Bind,
	}, nil
}

func shortName(method string) string {
	i := strings.LastIndexByte(method, '.')
	if i < 0 {
		return method
	}
	return method[i+1:]
}

func namespace(method string) string {
	i := strings.IndexByte(method, '.')
	if i < 0 {
		return method
	}
	return method[:i]
}

// CheckACL reports whether who is a member of any ACL in spec.
func (p *Policy) CheckACL(spec []string, who string) bool {
	for _, name := range spec {
		if name == "public" {
			return true
		}
		r, ok := p.acl[name]
		if !ok {
			continue
		}
		if r.includesPublic {
			return true
		}
		if _, ok := r.members[who]; ok {
			return true
		}
	}
	return false
}

// Who2ACL returns every ACL name who belongs to, always including
// "public".
func (p *Policy) Who2ACL(who string) []string {
	names := []string{"public"}
	for name, r := range p.acl {
		if r.includesPublic {
			names = append(names, name)
			continue
		}
		if _, ok := r.members[who]; ok {
			names = append(names, name)
		}
	}
	return names
}

// MethodACL returns the ACL names allowed to call method, looked up
// directly then by the "ns.*" wildcard.
func (p *Policy) MethodACL(method string) (ACLRef, bool) {
	if acl, ok := p.method2acl[method]; ok {
		return acl, true
	}
	acl, ok := p.method2acl[namespace(method)+".*"]
	return acl, ok
}

// BackendACL returns the ACL names allowed to announce backend,
// looked up directly then by the "ns.*" wildcard.
func (p *Policy) BackendACL(backend string) (ACLRef, bool) {
	if acl, ok := p.backend2acl[backend]; ok {
		return acl, true
	}
	acl, ok := p.backend2acl[namespace(backend)+".*"]
	return acl, ok
}

// FilterKey returns the param/filter field name required to select a
// worker for backend, if any.
func (p *Policy) FilterKey(backend string) (string, bool) {
	if k, ok := p.backendFilter[backend]; ok {
		return k, true
	}
	k, ok := p.backendFilter[namespace(backend)+".*"]
	return k, ok
}

// Method looks up a public method's table entry.
func (p *Policy) Method(name string) (*MethodEntry, bool) {
	m, ok := p.methods[name]
	return m, ok
}

// Methods returns every entry of the public method table, for
// introspection.
func (p *Policy) Methods() map[string]*MethodEntry {
	return p.methods
}

// ValidateFilterValue ensures a supplied filter parameter maps to a
// defined, scalar JSON value; used by both announce and dispatch.
func ValidateFilterValue(v interface{}) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case float64:
		return fmt.Sprintf("%v", t), nil
	case bool:
		return fmt.Sprintf("%v", t), nil
	case nil:
		return "", fmt.Errorf("filter value is undefined")
	default:
		return "", fmt.Errorf("filter value must be scalar, got %T", t)
	}
}
