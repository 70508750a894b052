package bridge

import (
	"sync"

	"github.com/zot/lua-embed/internal/host"
)

// PersistentStore strongly owns the host-side representative of every live
// handle. It is owned by the request worker and only used on the host loop.
type PersistentStore interface {
	Get(h Handle) (*host.Object, bool)
	Set(h Handle, o *host.Object)
	Delete(h Handle)
	Len() int
}

// MapStore is a map-backed PersistentStore.
type MapStore struct {
	mu   sync.Mutex
	objs map[Handle]*host.Object
}

// NewMapStore returns an empty store.
func NewMapStore() *MapStore {
	return &MapStore{objs: make(map[Handle]*host.Object)}
}

func (s *MapStore) Get(h Handle) (*host.Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objs[h]
	return o, ok
}

func (s *MapStore) Set(h Handle, o *host.Object) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objs[h] = o
}

func (s *MapStore) Delete(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objs, h)
}

func (s *MapStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objs)
}
