package repository

import (
	"context"
	"fmt"

	"github.com/dinoproject/dinocache/internal/datastore/v2/entities"
	"github.com/dinoproject/dinocache/internal/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// cacheRepository implements CacheRepository.
type cacheRepository struct {
	db *gorm.DB
}

// NewCacheRepository creates a new CacheRepository.
func NewCacheRepository(db *gorm.DB) CacheRepository {
	return &cacheRepository{db: db}
}

// CreateNamespace creates a namespace. Creating an existing one is a no-op.
func (r *cacheRepository) CreateNamespace(ctx context.Context, name string) error {
	return createNamespace(r.db.WithContext(ctx), name)
}

func createNamespace(tx *gorm.DB, name string) error {
	ns := entities.CacheNamespace{Name: name}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoNothing: true,
	}).Create(&ns).Error
	if err != nil {
		return fmt.Errorf("failed to create cache namespace %q: %w", name, err)
	}
	return nil
}

// ListNamespaces returns all namespaces ordered by creation.
func (r *cacheRepository) ListNamespaces(ctx context.Context) ([]entities.CacheNamespace, error) {
	var namespaces []entities.CacheNamespace
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&namespaces).Error; err != nil {
		return nil, fmt.Errorf("failed to list cache namespaces: %w", err)
	}
	return namespaces, nil
}

// NamespaceExists reports whether a namespace row exists.
func (r *cacheRepository) NamespaceExists(ctx context.Context, name string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&entities.CacheNamespace{}).
		Where("name = ?", name).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check cache namespace %q: %w", name, err)
	}
	return count > 0, nil
}

// DeleteNamespace removes a namespace and all of its entries.
// Returns false when there was nothing to delete.
func (r *cacheRepository) DeleteNamespace(ctx context.Context, name string) (bool, error) {
	var deleted bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entries := tx.Where("namespace = ?", name).Delete(&entities.CacheEntry{})
		if entries.Error != nil {
			return fmt.Errorf("failed to delete cache entries: %w", entries.Error)
		}
		ns := tx.Where("name = ?", name).Delete(&entities.CacheNamespace{})
		if ns.Error != nil {
			return fmt.Errorf("failed to delete cache namespace: %w", ns.Error)
		}
		deleted = entries.RowsAffected > 0 || ns.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete cache namespace %q: %w", name, err)
	}
	return deleted, nil
}

// GetEntry returns the entry stored under key.
// Returns ErrCacheEntryNotFound if there is none.
func (r *cacheRepository) GetEntry(ctx context.Context, namespace, key string) (*entities.CacheEntry, error) {
	var entry entities.CacheEntry
	err := r.db.WithContext(ctx).
		Where("namespace = ? AND key_hash = ?", namespace, entities.HashKey(key)).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCacheEntryNotFound
		}
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	return &entry, nil
}

// PutEntry inserts or replaces an entry in an existing namespace.
// Returns ErrCacheNamespaceNotFound when the namespace is gone, so a late
// write never brings back a deleted namespace.
func (r *cacheRepository) PutEntry(ctx context.Context, entry *entities.CacheEntry) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ns entities.CacheNamespace
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("name = ?", entry.Namespace).
			First(&ns).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrCacheNamespaceNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check cache namespace %q: %w", entry.Namespace, err)
		}
		return upsertEntry(tx, entry)
	})
}

// PutEntries stores all entries in one transaction. Either every entry is
// written or none is.
func (r *cacheRepository) PutEntries(ctx context.Context, namespace string, entries []entities.CacheEntry) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := createNamespace(tx, namespace); err != nil {
			return err
		}
		for i := range entries {
			entries[i].Namespace = namespace
			if err := upsertEntry(tx, &entries[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertEntry(tx *gorm.DB, entry *entities.CacheEntry) error {
	entry.KeyHash = entities.HashKey(entry.Key)
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "namespace"}, {Name: "key_hash"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"url", "status", "header", "body", "response_type", "stored_at",
		}),
	}).Create(entry).Error
	if err != nil {
		return fmt.Errorf("failed to store cache entry %q: %w", entry.Key, err)
	}
	return nil
}

// CountEntries returns the number of entries in a namespace.
func (r *cacheRepository) CountEntries(ctx context.Context, namespace string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&entities.CacheEntry{}).
		Where("namespace = ?", namespace).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count cache entries: %w", err)
	}
	return count, nil
}

// ListKeys returns the keys stored in a namespace in insertion order.
func (r *cacheRepository) ListKeys(ctx context.Context, namespace string) ([]string, error) {
	var keys []string
	err := r.db.WithContext(ctx).Model(&entities.CacheEntry{}).
		Where("namespace = ?", namespace).
		Order("id ASC").
		Pluck("cache_key", &keys).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list cache keys: %w", err)
	}
	return keys, nil
}
