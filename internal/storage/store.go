// Package storage provides a persistent mapping from hierarchical keys to
// JSON documents with atomic multi-key transactions.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
)

var (
	// ErrNotFound is returned when a key does not exist. Callers use
	// errors.Is to distinguish an absent key from an I/O failure.
	ErrNotFound = errors.New("not found")
)

// Key addresses a document as an ordered tuple of path segments,
// e.g. {"session", "abc"}.
type Key []string

// K is a convenience constructor for keys.
func K(parts ...string) Key { return Key(parts) }

// String renders the key as a slash-joined path.
func (k Key) String() string { return path.Join([]string(k)...) }

// HasPrefix reports whether k begins with the given prefix tuple.
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i, part := range prefix {
		if k[i] != part {
			return false
		}
	}
	return true
}

// ParseKey splits a slash-joined path back into a key tuple.
func ParseKey(s string) Key {
	if s == "" {
		return nil
	}
	return Key(strings.Split(s, "/"))
}

// Validate rejects keys that are empty or contain unsafe segments.
func (k Key) Validate() error {
	if len(k) == 0 {
		return errors.New("storage: empty key")
	}
	for _, part := range k {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, "/\\") {
			return fmt.Errorf("storage: invalid key segment %q", part)
		}
	}
	return nil
}

// OpType identifies a transaction operation.
type OpType string

const (
	OpPut    OpType = "put"
	OpDelete OpType = "delete"
)

// Op is a single operation inside a transaction.
type Op struct {
	Type  OpType          `json:"type"`
	Key   Key             `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Put builds a put operation, marshaling the value.
func Put(key Key, value any) (Op, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return Op{}, fmt.Errorf("storage: marshal %s: %w", key, err)
	}
	return Op{Type: OpPut, Key: key, Value: data}, nil
}

// Delete builds a delete operation.
func Delete(key Key) Op { return Op{Type: OpDelete, Key: key} }

// Store is the persistence contract. Single-key operations are
// linearisable; Transaction is atomic across keys and recovered after a
// crash on the next open.
type Store interface {
	// Read returns the raw document, or ErrNotFound.
	Read(ctx context.Context, key Key) (json.RawMessage, error)

	// Write atomically replaces the document at key.
	Write(ctx context.Context, key Key, value json.RawMessage) error

	// Update applies mutate under the key's write lock. The previous
	// value is nil with ErrNotFound semantics suppressed: mutate receives
	// nil when the key is absent.
	Update(ctx context.Context, key Key, mutate func(json.RawMessage) (json.RawMessage, error)) error

	// Remove deletes the document at key. Removing an absent key returns
	// ErrNotFound.
	Remove(ctx context.Context, key Key) error

	// List returns every key with the given prefix in lexicographic order.
	List(ctx context.Context, prefix Key) ([]Key, error)

	// Transaction applies the ordered ops atomically: all or none.
	Transaction(ctx context.Context, ops []Op) error

	// Close releases the backend.
	Close() error
}

// ReadJSON reads and unmarshals a document into T.
func ReadJSON[T any](ctx context.Context, s Store, key Key) (T, error) {
	var out T
	raw, err := s.Read(ctx, key)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("storage: decode %s: %w", key, err)
	}
	return out, nil
}

// WriteJSON marshals value and writes it at key.
func WriteJSON(ctx context.Context, s Store, key Key, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("storage: marshal %s: %w", key, err)
	}
	return s.Write(ctx, key, data)
}

// durableNamespaces are key roots whose writes additionally fsync the
// parent directory in the file backend.
var durableNamespaces = map[string]bool{
	"session": true,
	"message": true,
	"part":    true,
}
