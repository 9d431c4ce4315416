package cachestore

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/dinoproject/dinocache/internal/datastore/v2/entities"
	"github.com/dinoproject/dinocache/internal/datastore/v2/repository"
	"github.com/dinoproject/dinocache/internal/errors"
	"github.com/dinoproject/dinocache/internal/fetch"
)

// SQLStore persists namespaces through a CacheRepository, so the current
// namespace survives restarts.
type SQLStore struct {
	repo repository.CacheRepository
}

// NewSQLStore creates a store on top of repo.
func NewSQLStore(repo repository.CacheRepository) *SQLStore {
	return &SQLStore{repo: repo}
}

func (s *SQLStore) Open(ctx context.Context, name string) (Namespace, error) {
	if err := s.repo.CreateNamespace(ctx, name); err != nil {
		return nil, storeError(err, "open", name)
	}
	return &sqlNamespace{name: name, repo: s.repo}, nil
}

func (s *SQLStore) Has(ctx context.Context, name string) (bool, error) {
	ok, err := s.repo.NamespaceExists(ctx, name)
	if err != nil {
		return false, storeError(err, "has", name)
	}
	return ok, nil
}

func (s *SQLStore) Keys(ctx context.Context) ([]string, error) {
	namespaces, err := s.repo.ListNamespaces(ctx)
	if err != nil {
		return nil, storeError(err, "keys", "")
	}
	names := make([]string, len(namespaces))
	for i := range namespaces {
		names[i] = namespaces[i].Name
	}
	return names, nil
}

func (s *SQLStore) Delete(ctx context.Context, name string) (bool, error) {
	deleted, err := s.repo.DeleteNamespace(ctx, name)
	if err != nil {
		return false, storeError(err, "delete", name)
	}
	return deleted, nil
}

type sqlNamespace struct {
	name string
	repo repository.CacheRepository
}

func (n *sqlNamespace) Name() string { return n.name }

func (n *sqlNamespace) Match(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	entry, err := n.repo.GetEntry(ctx, n.name, req.Key())
	if errors.Is(err, repository.ErrCacheEntryNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError(err, "match", n.name)
	}
	return fromEntity(entry)
}

func (n *sqlNamespace) Put(ctx context.Context, req *fetch.Request, resp *fetch.Response) error {
	entry, err := toEntity(n.name, req, resp)
	if err != nil {
		return storeError(err, "put", n.name)
	}
	if err := n.repo.PutEntry(ctx, entry); err != nil {
		if errors.Is(err, repository.ErrCacheNamespaceNotFound) {
			return ErrNamespaceDeleted
		}
		return storeError(err, "put", n.name)
	}
	return nil
}

func (n *sqlNamespace) PutAll(ctx context.Context, entries []Entry) error {
	rows := make([]entities.CacheEntry, 0, len(entries))
	for _, e := range entries {
		row, err := toEntity(n.name, e.Request, e.Response)
		if err != nil {
			return storeError(err, "put_all", n.name)
		}
		rows = append(rows, *row)
	}
	if err := n.repo.PutEntries(ctx, n.name, rows); err != nil {
		return storeError(err, "put_all", n.name)
	}
	return nil
}

func (n *sqlNamespace) Len(ctx context.Context) (int, error) {
	count, err := n.repo.CountEntries(ctx, n.name)
	if err != nil {
		return 0, storeError(err, "len", n.name)
	}
	return int(count), nil
}

func (n *sqlNamespace) Keys(ctx context.Context) ([]string, error) {
	keys, err := n.repo.ListKeys(ctx, n.name)
	if err != nil {
		return nil, storeError(err, "keys", n.name)
	}
	return keys, nil
}

func toEntity(namespace string, req *fetch.Request, resp *fetch.Response) (*entities.CacheEntry, error) {
	header, err := json.Marshal(resp.Header)
	if err != nil {
		return nil, err
	}
	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	return &entities.CacheEntry{
		Namespace:    namespace,
		Key:          req.Key(),
		URL:          resp.URL,
		Status:       resp.Status,
		Header:       string(header),
		Body:         resp.Body,
		ResponseType: string(resp.Type),
		StoredAt:     storedAt,
	}, nil
}

func fromEntity(e *entities.CacheEntry) (*fetch.Response, error) {
	header := make(http.Header)
	if e.Header != "" {
		if err := json.Unmarshal([]byte(e.Header), &header); err != nil {
			return nil, storeError(err, "decode_header", e.Namespace)
		}
	}
	return &fetch.Response{
		Status:   e.Status,
		Header:   header,
		Body:     e.Body,
		Type:     fetch.ResponseType(e.ResponseType),
		URL:      e.URL,
		StoredAt: e.StoredAt,
	}, nil
}

func storeError(err error, op, namespace string) error {
	return errors.New(err).
		Component("cachestore").
		Category(errors.CategoryStorage).
		Context("operation", op).
		Context("namespace", namespace).
		Build()
}
