// Package routing classifies a tool identifier's namespace as local
// (subprocess-backed) or remote (cloud-backed).
package routing

import "github.com/casys-ai/cer/pkg/capid"

// Class is the routing classification for a namespace.
type Class string

const (
	Local  Class = "local"
	Remote Class = "remote"
)

// Config is the static routing configuration: explicit local/remote
// namespace sets plus a default for anything unlisted.
type Config struct {
	LocalNamespaces  []string
	RemoteNamespaces []string
	Default          Class
}

// Table classifies tool identifiers against a Config.
type Table struct {
	local  map[string]struct{}
	remote map[string]struct{}
	byDflt Class
}

// New builds a Table from Config. An empty Default falls back to Remote.
func New(cfg Config) *Table {
	t := &Table{
		local:  make(map[string]struct{}, len(cfg.LocalNamespaces)),
		remote: make(map[string]struct{}, len(cfg.RemoteNamespaces)),
		byDflt: cfg.Default,
	}
	for _, ns := range cfg.LocalNamespaces {
		t.local[ns] = struct{}{}
	}
	for _, ns := range cfg.RemoteNamespaces {
		t.remote[ns] = struct{}{}
	}
	if t.byDflt == "" {
		t.byDflt = Remote
	}
	return t
}

// Classify returns Local or Remote for the given identifier string, which
// may be in either serialization capid.ParseIdentifier accepts. An empty,
// misspelled, or unknown namespace falls back to the configured default.
func (t *Table) Classify(identifier string) Class {
	id := capid.ParseIdentifier(identifier)
	return t.ClassifyNamespace(id.Namespace)
}

// ClassifyNamespace classifies a bare namespace string directly, used by
// the loader when it already has the namespace in hand (e.g. from a
// capability's declared subprocess dependency name).
func (t *Table) ClassifyNamespace(namespace string) Class {
	if namespace == "" {
		return t.byDflt
	}
	if _, ok := t.local[namespace]; ok {
		return Local
	}
	if _, ok := t.remote[namespace]; ok {
		return Remote
	}
	return t.byDflt
}
