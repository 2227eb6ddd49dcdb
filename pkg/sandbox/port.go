package sandbox

import (
	"fmt"
	"net"
	"sync"
)

// PortBroker leases TCP ports from a configured range for sandbox instances,
// adapted from the teacher's CredentialBroker (runtime/sandbox.broker.go):
// same mutex-guarded map-plus-issuance-log shape, generalized from scoped
// auth tokens to scoped TCP ports. Every lease is logged for audit exactly
// as the teacher logs every token issuance.
type PortBroker struct {
	mu        sync.Mutex
	rangeFrom int
	rangeTo   int
	leased    map[int]string // port -> sandboxID
	issuances []PortIssuance
}

// PortIssuance records a single port lease for audit, mirroring the
// teacher's TokenIssuance record.
type PortIssuance struct {
	Port      int
	SandboxID string
}

// NewPortBroker creates a broker over an inclusive port range.
func NewPortBroker(rangeFrom, rangeTo int) *PortBroker {
	return &PortBroker{
		rangeFrom: rangeFrom,
		rangeTo:   rangeTo,
		leased:    make(map[int]string),
	}
}

// Lease reserves the first free, actually-bindable port in the configured
// range for sandboxID. Bindability is verified with a real listen-then-close
// probe rather than trusting the in-memory map alone, since a prior sandbox
// process or an unrelated process on the host may already hold the port.
func (b *PortBroker) Lease(sandboxID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for port := b.rangeFrom; port <= b.rangeTo; port++ {
		if _, taken := b.leased[port]; taken {
			continue
		}
		if !probeBindable(port) {
			continue
		}
		b.leased[port] = sandboxID
		b.issuances = append(b.issuances, PortIssuance{Port: port, SandboxID: sandboxID})
		return port, nil
	}
	return 0, newError(ErrNoPortAvailable, fmt.Sprintf("no free port in [%d,%d]", b.rangeFrom, b.rangeTo), nil)
}

// Release frees a leased port. Idempotent: releasing an unleased port is a
// no-op, matching the sandbox Kill idempotency requirement elsewhere in this
// package.
func (b *PortBroker) Release(port int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.leased, port)
}

// Issuances returns a copy of the lease audit log.
func (b *PortBroker) Issuances() []PortIssuance {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]PortIssuance, len(b.issuances))
	copy(out, b.issuances)
	return out
}

func probeBindable(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
