// Package cachestore provides named, versioned stores of request/response
// pairs. Lookups are keyed by request method and URL.
package cachestore

import (
	"context"

	"github.com/dinoproject/dinocache/internal/errors"
	"github.com/dinoproject/dinocache/internal/fetch"
)

// ErrNamespaceDeleted is returned by Put on a namespace that has been
// deleted since it was opened.
var ErrNamespaceDeleted = errors.NewStd("cache namespace was deleted")

// Entry pairs a request with the response stored for it.
type Entry struct {
	Request  *fetch.Request
	Response *fetch.Response
}

// Store manages cache namespaces.
type Store interface {
	// Open returns the namespace, creating it if it does not exist.
	Open(ctx context.Context, name string) (Namespace, error)
	// Has reports whether a namespace exists.
	Has(ctx context.Context, name string) (bool, error)
	// Keys lists namespace names in creation order.
	Keys(ctx context.Context) ([]string, error)
	// Delete removes a namespace and its entries. Deleting a missing
	// namespace returns false and no error.
	Delete(ctx context.Context, name string) (bool, error)
}

// Namespace is one named cache. Implementations are safe for concurrent use;
// concurrent writes to the same key are last-writer-wins.
type Namespace interface {
	Name() string
	// Match returns a copy of the stored response, or nil when there is none.
	Match(ctx context.Context, req *fetch.Request) (*fetch.Response, error)
	// Put fails with ErrNamespaceDeleted once the namespace is deleted.
	Put(ctx context.Context, req *fetch.Request, resp *fetch.Response) error
	// PutAll stores every entry or none of them.
	PutAll(ctx context.Context, entries []Entry) error
	Len(ctx context.Context) (int, error)
	Keys(ctx context.Context) ([]string, error)
}
