// Package store persists JSON documents under string keys. Two backends
// exist: a plain-file store for single-host runs and backtests, and a
// Postgres store for deployments that already run a database.
package store

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("store: key not found")

type Store interface {
	Save(ctx context.Context, key string, value interface{}) error
	Load(ctx context.Context, key string, out interface{}) error
	Delete(ctx context.Context, key string) error
}
