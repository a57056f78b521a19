// Package admission bounds concurrent outbound requests, globally and per
// destination host. Acquire never blocks: when a ceiling is reached the
// request is refused immediately and the caller answers 429.
package admission

import (
	"strings"
	"sync"
)

const (
	DefaultGlobalLimit = 8
	DefaultHostLimit   = 3
)

// Controller tracks in-flight requests. Safe for concurrent use.
//
// Every successful Acquire must be paired with exactly one Release for the
// same host, on every exit path.
type Controller struct {
	mu          sync.Mutex
	globalLimit int
	hostLimit   int
	inFlight    int
	hosts       map[string]int
}

// Stats is a point-in-time view of the controller.
type Stats struct {
	InFlight    int `json:"in_flight"`
	Hosts       int `json:"hosts"`
	GlobalLimit int `json:"global_limit"`
	HostLimit   int `json:"host_limit"`
}

// New creates a Controller. Non-positive limits fall back to the defaults.
func New(globalLimit, hostLimit int) *Controller {
	if globalLimit <= 0 {
		globalLimit = DefaultGlobalLimit
	}
	if hostLimit <= 0 {
		hostLimit = DefaultHostLimit
	}
	return &Controller{
		globalLimit: globalLimit,
		hostLimit:   hostLimit,
		hosts:       make(map[string]int),
	}
}

// Acquire grants a slot for host, or returns false without waiting.
func (c *Controller) Acquire(host string) bool {
	key := hostKey(host)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight >= c.globalLimit || c.hosts[key] >= c.hostLimit {
		return false
	}
	c.inFlight++
	c.hosts[key]++
	return true
}

// Release returns a slot previously granted for host. Counters never go
// negative; the per-host entry is dropped when it reaches zero.
func (c *Controller) Release(host string) {
	key := hostKey(host)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight > 0 {
		c.inFlight--
	}
	n, ok := c.hosts[key]
	if !ok {
		return
	}
	if n <= 1 {
		delete(c.hosts, key)
		return
	}
	c.hosts[key] = n - 1
}

// Stats returns the current counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		InFlight:    c.inFlight,
		Hosts:       len(c.hosts),
		GlobalLimit: c.globalLimit,
		HostLimit:   c.hostLimit,
	}
}

func hostKey(host string) string {
	return strings.TrimSuffix(strings.ToLower(host), ".")
}
