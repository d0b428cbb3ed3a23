// Package registry maps open connection descriptors to their flow
// four-tuples. It is written to by caller threads (accept/close) and read by
// the scheduler thread concurrently, so it shards its lock by descriptor
// instead of serializing on a single mutex.
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/flowgate/flowgate/internal/flow"
)

const shardCount = 32

type shard struct {
	mu  sync.RWMutex
	fds map[int]flow.Flow
}

// Registry is a concurrent descriptor -> Flow map. The zero value is not
// usable; call New.
type Registry struct {
	shards [shardCount]shard
	size   atomic.Int64
}

func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].fds = make(map[int]flow.Flow)
	}
	return r
}

func (r *Registry) shardFor(fd int) *shard {
	return &r.shards[uint(fd)%shardCount]
}

// Register inserts fd -> fl if fd is absent. A duplicate registration is a
// no-op: the first one wins.
func (r *Registry) Register(fd int, fl flow.Flow) {
	s := r.shardFor(fd)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.fds[fd]; ok {
		return
	}
	s.fds[fd] = fl
	r.size.Add(1)
}

// Lookup returns the flow registered for fd, if any.
func (r *Registry) Lookup(fd int) (flow.Flow, bool) {
	s := r.shardFor(fd)
	s.mu.RLock()
	defer s.mu.RUnlock()
	fl, ok := s.fds[fd]
	return fl, ok
}

// Contains reports whether fd is registered.
func (r *Registry) Contains(fd int) bool {
	_, ok := r.Lookup(fd)
	return ok
}

// VisitAndAct runs fn against fd's flow while holding the shard lock, so the
// entry cannot be removed between the lookup and the action. Returns whether
// fd was registered (and fn ran).
func (r *Registry) VisitAndAct(fd int, fn func(flow.Flow)) bool {
	s := r.shardFor(fd)
	s.mu.RLock()
	defer s.mu.RUnlock()
	fl, ok := s.fds[fd]
	if !ok {
		return false
	}
	fn(fl)
	return true
}

// Remove deletes fd's registration. Removing an absent fd is a no-op.
func (r *Registry) Remove(fd int) {
	s := r.shardFor(fd)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.fds[fd]; !ok {
		return
	}
	delete(s.fds, fd)
	r.size.Add(-1)
}

// Len returns the number of tracked descriptors. The count is approximate
// under concurrent mutation, which is all its callers need.
func (r *Registry) Len() int {
	return int(r.size.Load())
}
