// Package netguard enforces the network side of a plugin's permission
// grant. In-process plugins receive a policy-gated dialer through their
// execution environment; every outbound attempt is checked against the
// allow/block lists and the request ceiling, and denials are recorded as
// network violations.
package netguard

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"plugin-warden/internal/policy"
	"plugin-warden/internal/telemetry"
)

// NetOp is one observed outbound network attempt.
type NetOp struct {
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Allowed   bool      `json:"allowed"`
	Timestamp time.Time `json:"timestamp"`
}

// Guard gates outbound network activity for one sandbox.
type Guard struct {
	perms  policy.PluginPermissions
	limits policy.PluginLimits
	record *telemetry.Record
	sink   chan<- telemetry.Violation

	mu      sync.Mutex
	enabled bool
	ops     []NetOp

	dialer *net.Dialer
}

// New creates a guard in the disabled state.
func New(perms policy.PluginPermissions, limits policy.PluginLimits, record *telemetry.Record, sink chan<- telemetry.Violation) *Guard {
	return &Guard{
		perms:  perms,
		limits: limits,
		record: record,
		sink:   sink,
		dialer: &net.Dialer{Timeout: 10 * time.Second},
	}
}

// Enable turns enforcement on.
func (g *Guard) Enable() {
	g.mu.Lock()
	g.enabled = true
	g.mu.Unlock()
}

// Disable turns enforcement off. Attempts made while disabled are neither
// checked nor logged.
func (g *Guard) Disable() {
	g.mu.Lock()
	g.enabled = false
	g.mu.Unlock()
}

// Activity returns all network operations observed so far.
func (g *Guard) Activity() []NetOp {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]NetOp, len(g.ops))
	copy(out, g.ops)
	return out
}

// DialContext is the dialer handed to in-process plugins. It applies the
// permission policy before delegating to a real dialer.
func (g *Guard) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("invalid dial address %q: %w", address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in address %q: %w", address, err)
	}

	if err := g.Authorize(host, port); err != nil {
		return nil, err
	}
	return g.dialer.DialContext(ctx, network, address)
}

// Authorize checks one outbound attempt against the policy, records it,
// and returns a non-nil error when it is denied.
func (g *Guard) Authorize(host string, port int) error {
	g.mu.Lock()
	enabled := g.enabled
	g.mu.Unlock()
	if !enabled {
		return nil
	}

	total := g.record.AddNetOp()
	op := NetOp{Host: host, Port: port, Allowed: true, Timestamp: time.Now()}

	var reason string
	switch {
	case !g.perms.NetworkAccess:
		reason = "network access not permitted"
	case !g.perms.HostAllowed(host, port):
		reason = fmt.Sprintf("connection to %s:%d not permitted by host policy", host, port)
	case total > g.limits.MaxNetRequests:
		reason = fmt.Sprintf("network requests (%d) exceed limit (%d)", total, g.limits.MaxNetRequests)
	}

	if reason != "" {
		op.Allowed = false
		g.append(op)

		v := telemetry.Violation{
			Kind:      telemetry.NetworkViolation,
			Metric:    net.JoinHostPort(host, strconv.Itoa(port)),
			Message:   reason,
			Severity:  telemetry.SeverityHigh,
			Timestamp: op.Timestamp,
		}
		g.record.AppendViolation(v)
		if g.sink != nil {
			select {
			case g.sink <- v:
			default:
			}
		}
		log.Warn().Str("host", host).Int("port", port).Msg(reason)
		return fmt.Errorf("network access denied: %s", reason)
	}

	g.append(op)
	return nil
}

func (g *Guard) append(op NetOp) {
	g.mu.Lock()
	g.ops = append(g.ops, op)
	g.mu.Unlock()
}
