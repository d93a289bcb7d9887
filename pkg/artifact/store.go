// Package artifact persists per-particle outputs behind a small key/value
// store abstraction with filesystem, in-memory and S3 drivers.
package artifact

import (
	"context"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// Driver names a store implementation.
type Driver string

const (
	DriverFS     Driver = "fs"
	DriverMemory Driver = "memory"
	DriverS3     Driver = "s3"
)

// ErrNotFound is returned by Get for keys that were never written.
var ErrNotFound = errors.New("artifact not found")

// Store is a flat namespace of slash-separated keys. Put replaces existing
// content and must never expose a partially written object.
type Store interface {
	Driver() Driver
	Put(ctx context.Context, key string, r io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	// List returns keys under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Options selects and configures a driver.
type Options struct {
	Driver Driver
	// Root is the output directory for the fs driver and the key prefix for s3.
	Root string
	S3   S3Config
}

// Open builds the store named by opts.Driver.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case DriverFS, "":
		if opts.Root == "" {
			return nil, errors.New("fs store: root directory required")
		}
		return NewFSStore(opts.Root)
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverS3:
		cfg := opts.S3
		if cfg.Prefix == "" {
			cfg.Prefix = opts.Root
		}
		return NewS3Store(ctx, cfg)
	}
	return nil, errors.Errorf("unknown artifact driver %q", opts.Driver)
}

// cleanKey normalises a key to a relative slash path and rejects traversal.
func cleanKey(key string) (string, error) {
	key = strings.TrimLeft(strings.ReplaceAll(key, "\\", "/"), "/")
	if key == "" {
		return "", errors.New("empty artifact key")
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "." || part == "" {
			return "", errors.Errorf("invalid artifact key %q", key)
		}
	}
	return key, nil
}
