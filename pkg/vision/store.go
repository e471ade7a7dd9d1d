package vision

import "sync/atomic"

// Store is the single current Snapshot of one session. Reads never block
// writers and a reader always sees a whole snapshot, never a mix of two.
// Each session owns its own Store.
type Store struct {
	current atomic.Pointer[Snapshot]
}

// NewStore returns a Store holding Default().
func NewStore() *Store {
	s := &Store{}
	initial := Default()
	s.current.Store(&initial)
	return s
}

// Get returns a copy of the latest committed snapshot.
func (s *Store) Get() Snapshot {
	return s.current.Load().Clone()
}

// Set replaces the current snapshot. Concurrent writers race and the last
// commit wins regardless of Timestamp.
func (s *Store) Set(next Snapshot) {
	committed := next.Clone()
	s.current.Store(&committed)
}

// SetIfNewer commits next only if its Timestamp is not older than the current
// snapshot's. It reports whether next was committed.
func (s *Store) SetIfNewer(next Snapshot) bool {
	committed := next.Clone()
	for {
		cur := s.current.Load()
		if committed.Timestamp < cur.Timestamp {
			return false
		}
		if s.current.CompareAndSwap(cur, &committed) {
			return true
		}
	}
}
