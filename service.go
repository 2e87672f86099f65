package bridge

import (
	"fmt"
	"strings"
	"sync"
)

// Handler is the capability interface bound to a socket by the service
// dispatcher. Both methods are invoked on the loop's dispatch goroutine; a
// handler that needs to block delegates to its own goroutine and feeds
// results back through Loop.Submit.
type Handler interface {
	// Accept delivers one payload received from the peer. Returning an
	// error closes the socket.
	Accept(data []byte) error
	// Close signals that the socket is gone: peer close acknowledged or
	// the owning transport torn down. Called exactly once.
	Close()
}

// EOFNotifier is an optional Handler extension. NotifyEOF is called once,
// on the loop's dispatch goroutine, when the peer signals it will send no
// more data while the local side may keep writing.
type EOFNotifier interface {
	NotifyEOF()
}

// ServiceDispatcher produces a handler for a newly opened socket given the
// service string embedded in the OPEN packet. The engine treats the service
// string as opaque; the conventional form is "<name>:<arguments>".
type ServiceDispatcher interface {
	Connect(service string, s *Socket) (Handler, error)
}

// ServiceFunc builds a handler for one service kind.
type ServiceFunc func(service string, s *Socket) (Handler, error)

// ServiceMap is a ServiceDispatcher routing on the "<name>:" prefix of the
// service string.
type ServiceMap struct {
	mu sync.RWMutex
	m  map[string]ServiceFunc
}

// NewServiceMap returns an empty service registry.
func NewServiceMap() *ServiceMap {
	return &ServiceMap{m: make(map[string]ServiceFunc)}
}

// Handle registers fn for service strings whose name part equals name.
func (sm *ServiceMap) Handle(name string, fn ServiceFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.m[name] = fn
}

// Connect implements ServiceDispatcher.
func (sm *ServiceMap) Connect(service string, s *Socket) (Handler, error) {
	name := service
	if pos := strings.IndexByte(service, ':'); pos != -1 {
		name = service[:pos]
	}

	sm.mu.RLock()
	fn, ok := sm.m[name]
	sm.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrServiceRejected, name)
	}
	return fn(service, s)
}
