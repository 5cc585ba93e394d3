package ports

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrNoPortsAvailable is returned when every port in the range is held or cannot be bound.
// It is fatal to a run: without a port no further match can start.
var ErrNoPortsAvailable = errors.New("no ports available")

var log = logrus.WithField("component", "ports")

// Allocator hands out unique TCP ports from the contiguous range [base, base+size).
// It is safe for concurrent use.
type Allocator struct {
	base int
	size int

	mu   sync.Mutex
	held map[int]bool
	next int // round-robin cursor, offset into the range

	// bindable verifies the host will let a server listen on the port
	bindable func(port int) bool
}

// Option customises an Allocator.
type Option func(*Allocator)

// WithBindCheck replaces the host bindability check. Tests use this to avoid touching real ports.
func WithBindCheck(check func(port int) bool) Option {
	return func(a *Allocator) {
		a.bindable = check
	}
}

// New creates an allocator for size ports starting at base.
func New(base, size int, opts ...Option) (*Allocator, error) {
	if size < 1 {
		return nil, fmt.Errorf("port range size must be >= 1, got %d", size)
	}
	if base < 1 || base+size-1 > 65535 {
		return nil, fmt.Errorf("port range %d-%d is outside 1-65535", base, base+size-1)
	}

	a := &Allocator{
		base:     base,
		size:     size,
		held:     make(map[int]bool),
		bindable: isPortBindable,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Acquire returns a port no other caller holds.
// Ports are tried round-robin from the last handout so that a just-released port
// is not immediately reissued while others are idle. Ports that cannot be bound on the
// host (held by some foreign process) are skipped.
func (a *Allocator) Acquire() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i < a.size; i++ {
		offset := (a.next + i) % a.size
		port := a.base + offset
		if a.held[port] {
			continue
		}
		if !a.bindable(port) {
			log.WithField("port", port).Warn("Port in range is bound by another process, skipping")
			continue
		}

		a.held[port] = true
		a.next = (offset + 1) % a.size
		return port, nil
	}

	return 0, fmt.Errorf("%w (range %d-%d, %d held)", ErrNoPortsAvailable, a.base, a.base+a.size-1, len(a.held))
}

// Release makes port immediately eligible for reuse. Releasing a port that is not held is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.held[port] {
		log.WithField("port", port).Debug("Release of port that is not held")
		return
	}
	delete(a.held, port)
}

// InUse returns the currently held ports in ascending order.
func (a *Allocator) InUse() []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	ports := make([]int, 0, len(a.held))
	for p := range a.held {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}

// Range returns the first and last port of the range.
func (a *Allocator) Range() (int, int) {
	return a.base, a.base + a.size - 1
}

// isPortBindable checks if a port can be bound on localhost.
// Returns true if port is available, false if in use.
func isPortBindable(port int) bool {
	addr := fmt.Sprintf("localhost:%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	listener.Close()
	return true
}
