package repository

import (
	"context"

	"github.com/dinoproject/dinocache/internal/datastore/v2/entities"
	"github.com/dinoproject/dinocache/internal/errors"
)

// Sentinel errors for cache lookups.
var (
	ErrCacheEntryNotFound     = errors.NewStd("cache entry not found")
	ErrCacheNamespaceNotFound = errors.NewStd("cache namespace not found")
)

// CacheRepository persists cache namespaces and their entries.
type CacheRepository interface {
	// Namespaces
	CreateNamespace(ctx context.Context, name string) error
	ListNamespaces(ctx context.Context) ([]entities.CacheNamespace, error)
	NamespaceExists(ctx context.Context, name string) (bool, error)
	DeleteNamespace(ctx context.Context, name string) (bool, error)

	// Entries
	GetEntry(ctx context.Context, namespace, key string) (*entities.CacheEntry, error)
	PutEntry(ctx context.Context, entry *entities.CacheEntry) error
	PutEntries(ctx context.Context, namespace string, entries []entities.CacheEntry) error
	CountEntries(ctx context.Context, namespace string) (int64, error)
	ListKeys(ctx context.Context, namespace string) ([]string, error)
}
