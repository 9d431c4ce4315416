package cachestore

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/dinoproject/dinocache/internal/fetch"
	gocache "github.com/patrickmn/go-cache"
)

// MemoryStore keeps namespaces in process memory. Contents are lost on restart.
type MemoryStore struct {
	mu         sync.RWMutex
	namespaces map[string]*memoryNamespace
	order      []string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{namespaces: make(map[string]*memoryNamespace)}
}

func (s *MemoryStore) Open(_ context.Context, name string) (Namespace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ns, ok := s.namespaces[name]; ok {
		return ns, nil
	}
	// No janitor: entries never expire.
	ns := &memoryNamespace{name: name, items: gocache.New(gocache.NoExpiration, 0)}
	s.namespaces[name] = ns
	s.order = append(s.order, name)
	return ns, nil
}

func (s *MemoryStore) Has(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.namespaces[name]
	return ok, nil
}

func (s *MemoryStore) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.order), nil
}

func (s *MemoryStore) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns, ok := s.namespaces[name]
	if !ok {
		return false, nil
	}
	delete(s.namespaces, name)
	s.order = slices.DeleteFunc(s.order, func(n string) bool { return n == name })
	ns.mu.Lock()
	ns.deleted = true
	ns.items.Flush()
	ns.mu.Unlock()
	return true, nil
}

type memoryItem struct {
	seq  uint64
	resp *fetch.Response
}

type memoryNamespace struct {
	name  string
	items *gocache.Cache

	// mu makes PutAll visible all at once and orders Keys by insertion.
	mu      sync.RWMutex
	seq     uint64
	deleted bool
}

func (n *memoryNamespace) Name() string { return n.name }

func (n *memoryNamespace) Match(_ context.Context, req *fetch.Request) (*fetch.Response, error) {
	n.mu.RLock()
	v, ok := n.items.Get(req.Key())
	n.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return v.(memoryItem).resp.Clone(), nil
}

func (n *memoryNamespace) Put(_ context.Context, req *fetch.Request, resp *fetch.Response) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.deleted {
		return ErrNamespaceDeleted
	}
	n.set(req, resp)
	return nil
}

func (n *memoryNamespace) PutAll(_ context.Context, entries []Entry) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range entries {
		n.set(e.Request, e.Response)
	}
	return nil
}

// set requires n.mu held for writing.
func (n *memoryNamespace) set(req *fetch.Request, resp *fetch.Response) {
	stored := resp.Clone()
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now().UTC()
	}
	key := req.Key()
	seq := n.seq
	if prev, ok := n.items.Get(key); ok {
		seq = prev.(memoryItem).seq
	} else {
		n.seq++
	}
	n.items.Set(key, memoryItem{seq: seq, resp: stored}, gocache.NoExpiration)
}

func (n *memoryNamespace) Len(_ context.Context) (int, error) {
	return n.items.ItemCount(), nil
}

func (n *memoryNamespace) Keys(_ context.Context) ([]string, error) {
	n.mu.RLock()
	items := n.items.Items()
	n.mu.RUnlock()

	type keyed struct {
		key string
		seq uint64
	}
	ordered := make([]keyed, 0, len(items))
	for k, it := range items {
		ordered = append(ordered, keyed{key: k, seq: it.Object.(memoryItem).seq})
	}
	slices.SortFunc(ordered, func(a, b keyed) int { return cmp.Compare(a.seq, b.seq) })
	keys := make([]string, len(ordered))
	for i, k := range ordered {
		keys[i] = k.key
	}
	return keys, nil
}
