// Package store provides the narrow key-value abstraction every higher-level
// component (outbox, inbox, contacts) persists through, plus the two
// required backends: a durable SQLite-backed one and an in-memory one.
package store

import "sort"

// KV is a single scanned record.
type KV struct {
	Key   string
	Value []byte
}

// Backend is the minimal persistence contract. All methods operate within a
// caller-supplied namespace so that a single backend instance can host many
// logical stores (outbox, inbox, contacts, history, drift state) without
// key collisions. Mutations are atomic per key. Scan results are ordered
// lexicographically by key.
type Backend interface {
	Get(namespace, key string) ([]byte, bool, error)
	Put(namespace, key string, value []byte) error
	Delete(namespace, key string) error
	Scan(namespace, prefix string) ([]KV, error)
	Flush() error
	Close() error
}

// Namespace is a thin, namespace-bound view over a Backend, so a component
// can be written against "its own" key space without repeating the
// namespace string at every call site.
type Namespace struct {
	backend Backend
	name    string
}

// Sub returns a Namespace bound to the given logical namespace of b.
func Sub(b Backend, namespace string) *Namespace {
	return &Namespace{backend: b, name: namespace}
}

func (n *Namespace) Get(key string) ([]byte, bool, error) {
	return n.backend.Get(n.name, key)
}

func (n *Namespace) Put(key string, value []byte) error {
	return n.backend.Put(n.name, key, value)
}

func (n *Namespace) Delete(key string) error {
	return n.backend.Delete(n.name, key)
}

func (n *Namespace) Scan(prefix string) ([]KV, error) {
	return n.backend.Scan(n.name, prefix)
}

func (n *Namespace) Flush() error {
	return n.backend.Flush()
}

// sortKVs orders scan results lexicographically by key, the ordering the
// Backend contract promises regardless of which implementation produced
// them.
func sortKVs(kvs []KV) {
	sort.Slice(kvs, func(i, j int) bool { return kvs[i].Key < kvs[j].Key })
}
