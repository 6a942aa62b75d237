// Package store is a small keyed record store for bot state that must
// survive restarts (linked accounts, per-guild settings).
package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when the key holds nothing.
var ErrNotFound = errors.New("store: not found")

// Key addresses one record. Records sharing Namespace and Scope are listed
// together, e.g. {"tracker", guildID, userID}.
type Key struct {
	Namespace string
	Scope     string
	ID        string
}

func (k Key) String() string { return fmt.Sprintf("%s:%s:%s", k.Namespace, k.Scope, k.ID) }

func (k Key) validate() error {
	if k.Namespace == "" || k.Scope == "" || k.ID == "" {
		return fmt.Errorf("store: incomplete key %q", k.String())
	}
	return nil
}

// Repository stores JSON-encoded values. Implementations are safe for
// concurrent use.
type Repository interface {
	// Get decodes the record at k into dst, or returns ErrNotFound.
	Get(ctx context.Context, k Key, dst any) error
	Set(ctx context.Context, k Key, v any) error
	// Delete reports whether a record was removed.
	Delete(ctx context.Context, k Key) (bool, error)
	// List returns the raw records of one scope keyed by ID.
	List(ctx context.Context, namespace, scope string) (map[string][]byte, error)
	// Scopes lists the scopes of a namespace that hold at least one record.
	Scopes(ctx context.Context, namespace string) ([]string, error)
	Close() error
}

// Pinger is implemented by repositories backed by a remote service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Open returns the Redis repository when redisAddr is set and reachable,
// the JSON file at path otherwise.
func Open(ctx context.Context, redisAddr, path string) (Repository, error) {
	if redisAddr == "" {
		return OpenFile(path)
	}
	r := NewRedis(redisAddr)
	if err := r.Ping(ctx); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("redis %s: %w", redisAddr, err)
	}
	return r, nil
}
