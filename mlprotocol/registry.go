package mlprotocol

import (
	"slices"
	"sync"
	"sync/atomic"
)

// Client is a named connection to a lock target.
//
// A Client is reference counted. The registry entry itself holds no
// reference; whoever resolves or attaches a client owns one and must
// release it. When the count drops to zero the client is removed from its
// registry and its transport is closed.
type Client struct {
	name string
	reg  *Registry
	mu   *sync.Mutex // guards refs; the registry lock for registered clients
	own  sync.Mutex
	refs int

	transport Transport
	closeOnce sync.Once
	closed    atomic.Bool
	closeErr  error
}

// NewClient creates a client that belongs to no registry and holds one
// reference.
func NewClient(name string, t Transport) *Client {
	c := &Client{name: name, refs: 1, transport: t}
	c.mu = &c.own
	return c
}

// Name returns the client's name.
func (c *Client) Name() string {
	return c.name
}

// Transport returns the client's transport, or nil when none is attached.
func (c *Client) Transport() Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport
}

// SetTransport attaches t. It is used once, right after the client is
// created and dialed.
func (c *Client) SetTransport(t Transport) {
	c.mu.Lock()
	c.transport = t
	c.mu.Unlock()
}

// Refs returns the current reference count.
func (c *Client) Refs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs
}

// Retain takes a reference.
func (c *Client) Retain() {
	c.mu.Lock()
	c.refs++
	c.mu.Unlock()
}

// Release drops a reference. The last release unlinks the client and
// closes its transport.
func (c *Client) Release() {
	c.mu.Lock()
	c.refs--
	last := c.refs == 0
	if last && c.reg != nil && c.reg.clients[c.name] == c {
		delete(c.reg.clients, c.name)
	}
	c.mu.Unlock()

	if last {
		c.Close()
	}
}

// Close closes the transport. Only the first call has an effect; the
// client stays registered until its last reference is released.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if t := c.Transport(); t != nil {
			c.closeErr = t.Close()
		}
	})
	return c.closeErr
}

// Closed reports whether the transport has been closed.
func (c *Client) Closed() bool {
	return c.closed.Load()
}

// Registry maps client names to clients. It is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*Client
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

// Resolve finds the client called name and takes a reference on it. With
// create set, a missing client is made and registered; created reports
// whether that happened. Without create a miss returns ErrClientNotFound.
func (r *Registry) Resolve(name string, create bool) (c *Client, created bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[name]; ok {
		c.refs++
		return c, false, nil
	}
	if !create {
		return nil, false, ErrClientNotFound
	}
	c = &Client{name: name, reg: r, mu: &r.mu, refs: 1}
	r.clients[name] = c
	return c, true, nil
}

// Lookup is Resolve without create.
func (r *Registry) Lookup(name string) (*Client, error) {
	c, _, err := r.Resolve(name, false)
	return c, err
}

// Names returns the registered client names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	r.mu.Unlock()
	slices.Sort(names)
	return names
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}
