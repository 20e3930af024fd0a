package store

// Change describes a state change delivered to observers
type Change struct {
	Key     string
	Cleared bool // credential and identity were removed
	Remote  bool // written by another process sharing the backend
}

// Observer is notified after the store changes
type Observer interface {
	StateChanged(Change)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(Change)

func (f ObserverFunc) StateChanged(c Change) { f(c) }

// Subscribe registers o and returns a function that removes it
func (s *Store) Subscribe(o Observer) (unsubscribe func()) {
	s.obsMu.Lock()
	id := s.nextObsID
	s.nextObsID++
	s.observers[id] = o
	s.obsMu.Unlock()

	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

// notify runs outside s.mu so observers may read the store
func (s *Store) notify(c Change) {
	s.obsMu.Lock()
	observers := make([]Observer, 0, len(s.observers))
	for _, o := range s.observers {
		observers = append(observers, o)
	}
	s.obsMu.Unlock()

	for _, o := range observers {
		o.StateChanged(c)
	}
}
