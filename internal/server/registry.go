package server

import "sync"

// registry tracks open connections so shutdown can close them all and wait
// for their handlers. Handlers are counted under the same lock that
// closeAll takes, so no handler can be added once closeAll has run.
type registry struct {
	mu     sync.Mutex
	conns  map[string]func()
	closed bool
	active sync.WaitGroup
}

func newRegistry() *registry {
	return &registry{conns: make(map[string]func())}
}

// add registers closeFn under id and counts a running handler. It returns
// false once closeAll has run; the caller must then close the connection
// itself and must not call remove.
func (r *registry) add(id string, closeFn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.conns[id] = closeFn
	r.active.Add(1)
	return true
}

// remove marks the handler registered under id as finished.
func (r *registry) remove(id string) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
	r.active.Done()
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// closeAll closes every registered connection and rejects later ones.
func (r *registry) closeAll() int {
	r.mu.Lock()
	r.closed = true
	fns := make([]func(), 0, len(r.conns))
	for id, fn := range r.conns {
		fns = append(fns, fn)
		delete(r.conns, id)
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return len(fns)
}

// wait blocks until every added handler has called remove. It must only be
// called after closeAll.
func (r *registry) wait() {
	r.active.Wait()
}
