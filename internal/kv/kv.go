// Package kv defines the prefix-scannable key -> document store
// abstraction backing queues, threads, escalations, notifications, and
// business rules (spec §3, §9). Two implementations are provided: an
// in-process map for single-node deployments, and a Redis-backed store
// for clustered deployments where multiple hub nodes must share state.
package kv

import "context"

// Store is a document store keyed by opaque strings, with documents
// stored as raw JSON bytes (callers marshal/unmarshal their own
// types). Keys are conventionally colon-delimited hierarchical paths
// (e.g. "dmq:{fleet_id}:{agent_id}:{message_id}").
type Store interface {
	// Put writes value at key, replacing any existing document.
	Put(ctx context.Context, key string, value []byte) error

	// Get reads the document at key. ok is false if the key is absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Delete removes the document at key. It is not an error if the
	// key is already absent.
	Delete(ctx context.Context, key string) error

	// ListKeys returns every key beginning with prefix, in lexical
	// order. Callers that need a bounded scan (the spec's
	// sort-then-take-last-N pattern) should slice the result
	// themselves; backends may optimize this with reverse iteration.
	ListKeys(ctx context.Context, prefix string) ([]string, error)

	// ListDocuments returns every (key, value) pair whose key begins
	// with prefix, in lexical key order.
	ListDocuments(ctx context.Context, prefix string) (map[string][]byte, error)
}

// CompareAndSwap is implemented by stores that can perform an
// optimistic read-modify-write, used for shared counters (thread
// message_count, escalation indexes, notification lists) per §5's
// shared-resource policy. Stores that only ever mutate under an
// external per-key mutex (the in-memory store) still implement it
// trivially since their Put calls are already serialized.
type CompareAndSwap interface {
	// PutIfMatch writes value at key only if the document currently
	// there serializes to the same bytes as expected (nil expected
	// means the key must currently be absent). ok is false if the
	// precondition failed and the caller should retry with a fresh
	// read.
	PutIfMatch(ctx context.Context, key string, expected, value []byte) (ok bool, err error)
}
