package connectivity

import (
	"sync"
)

// listenerSet fans a provider's signal out to registered callbacks in
// registration order.
type listenerSet struct {
	mu     sync.Mutex
	nextID uint64
	fns    []listener
}

type listener struct {
	id uint64
	fn func(bool)
}

func (s *listenerSet) add(fn func(bool)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.fns = append(s.fns, listener{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, l := range s.fns {
				if l.id == id {
					s.fns = append(s.fns[:i:i], s.fns[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *listenerSet) notify(online bool) {
	s.mu.Lock()
	fns := make([]listener, len(s.fns))
	copy(fns, s.fns)
	s.mu.Unlock()

	for _, l := range fns {
		l.fn(online)
	}
}
