package config

import (
	"strconv"
	"strings"
)

// UnmarshalYAML accepts either a bare ACL name or a list of names.
func (r *ACLRef) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var single string
	if err := unmarshal(&single); err == nil {
		*r = ACLRef{single}
		return nil
	}

	var list []string
	if err := unmarshal(&list); err != nil {
		return err
	}
	*r = ACLRef(list)
	return nil
}

// UnmarshalYAML accepts either the "prefix." shorthand or a full
// {backend, doc} record.
func (m *MethodSpec) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var shorthand string
	if err := unmarshal(&shorthand); err == nil {
		m.Backend = shorthand
		return nil
	}

	type yamlFix MethodSpec
	var v yamlFix
	if err := unmarshal(&v); err != nil {
		return err
	}
	*m = MethodSpec(v)
	return nil
}

// UnmarshalYAML defaults UID/GID to "inherit" (-1) before decoding so a
// bind missing them doesn't silently chown to root.
func (b *Bind) UnmarshalYAML(unmarshal func(interface{}) error) error {
	b.UID = -1
	b.GID = -1

	type yamlFix Bind
	v := yamlFix(*b)
	if err := unmarshal(&v); err != nil {
		return err
	}
	*b = Bind(v)
	return nil
}

func (bt *BindType) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var name string
	if err := unmarshal(&name); err != nil {
		return err
	}
	v, err := parseBindType(name)
	if err != nil {
		return err
	}
	*bt = v
	return nil
}

func (ll *LogLevel) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var name string
	if err := unmarshal(&name); err != nil {
		return err
	}
	v, err := parseLogLevel(name)
	if err != nil {
		return err
	}
	*ll = v
	return nil
}

func (b *Backend) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var name string
	if err := unmarshal(&name); err != nil {
		return err
	}
	v, err := parseBackend(name)
	if err != nil {
		return err
	}
	*b = v
	return nil
}

func (fm *FileMode) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var name string
	if err := unmarshal(&name); err != nil {
		return err
	}
	name = strings.TrimPrefix(strings.ToLower(name), "0o")
	val, err := strconv.ParseUint(name, 8, 9)
	if err != nil {
		return err
	}
	*fm = FileMode(val)
	return nil
}

// UnmarshalYAML accepts either a bare path (required) or a
// {path: required} single-entry map.
func (i *rawInclude) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var withRequired map[string]bool
	if err := unmarshal(&withRequired); err == nil {
		for k, v := range withRequired {
			i.Path = k
			i.Required = v
			break
		}
		return nil
	}
	i.Required = true
	return unmarshal(&i.Path)
}
