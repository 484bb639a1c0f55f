package netguard

import (
	"context"
	"strings"
	"testing"

	"plugin-warden/internal/policy"
	"plugin-warden/internal/telemetry"
)

func netPerms() policy.PluginPermissions {
	p := policy.DefaultPermissions()
	p.NetworkAccess = true
	p.AllowedHosts = []string{"api.example.com", "*.trusted.net"}
	p.BlockedHosts = []string{"bad.trusted.net"}
	return p
}

func TestAuthorize_DisabledPassesEverything(t *testing.T) {
	record := telemetry.NewRecord("sb", "p")
	g := New(policy.DefaultPermissions(), policy.DefaultLimits(), record, nil)

	if err := g.Authorize("anywhere.example", 80); err != nil {
		t.Errorf("disabled guard should pass: %v", err)
	}
	if len(g.Activity()) != 0 {
		t.Error("disabled guard must not log activity")
	}
	if record.NetOps != 0 {
		t.Error("disabled guard must not count requests")
	}
}

func TestAuthorize_Policy(t *testing.T) {
	tests := []struct {
		name    string
		host    string
		port    int
		allowed bool
	}{
		{"allowed host", "api.example.com", 443, true},
		{"wildcard host", "svc.trusted.net", 443, true},
		{"blocked host", "bad.trusted.net", 443, false},
		{"unlisted host", "other.example", 443, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record := telemetry.NewRecord("sb", "p")
			sink := make(chan telemetry.Violation, 4)
			g := New(netPerms(), policy.DefaultLimits(), record, sink)
			g.Enable()

			err := g.Authorize(tt.host, tt.port)
			if tt.allowed && err != nil {
				t.Fatalf("Authorize(%s) = %v, want nil", tt.host, err)
			}
			if !tt.allowed {
				if err == nil {
					t.Fatalf("Authorize(%s) = nil, want denial", tt.host)
				}
				if !strings.Contains(err.Error(), "network access denied") {
					t.Errorf("denial error = %q, want a network access denial", err)
				}
				select {
				case v := <-sink:
					if v.Kind != telemetry.NetworkViolation {
						t.Errorf("violation kind = %q, want network_violation", v.Kind)
					}
				default:
					t.Error("denial should reach the sink")
				}
			}

			ops := g.Activity()
			if len(ops) != 1 {
				t.Fatalf("activity entries = %d, want 1", len(ops))
			}
			if ops[0].Allowed != tt.allowed {
				t.Errorf("op.Allowed = %v, want %v", ops[0].Allowed, tt.allowed)
			}
		})
	}
}

func TestAuthorize_NoNetworkGrant(t *testing.T) {
	record := telemetry.NewRecord("sb", "p")
	g := New(policy.DefaultPermissions(), policy.DefaultLimits(), record, nil)
	g.Enable()

	if err := g.Authorize("api.example.com", 443); err == nil {
		t.Error("guard should deny without the network grant")
	}
	if record.ViolationCount() != 1 {
		t.Errorf("violations = %d, want 1", record.ViolationCount())
	}
}

func TestAuthorize_RequestCeiling(t *testing.T) {
	limits := policy.DefaultLimits()
	limits.MaxNetRequests = 2
	record := telemetry.NewRecord("sb", "p")
	g := New(netPerms(), limits, record, nil)
	g.Enable()

	for i := 0; i < 2; i++ {
		if err := g.Authorize("api.example.com", 443); err != nil {
			t.Fatalf("request %d should pass: %v", i+1, err)
		}
	}
	if err := g.Authorize("api.example.com", 443); err == nil {
		t.Fatal("request beyond the ceiling should be denied")
	}
	if record.ViolationCount() != 1 {
		t.Errorf("violations = %d, want 1", record.ViolationCount())
	}
}

func TestDialContext_BadAddress(t *testing.T) {
	g := New(netPerms(), policy.DefaultLimits(), telemetry.NewRecord("sb", "p"), nil)
	g.Enable()

	if _, err := g.DialContext(context.Background(), "tcp", "no-port"); err == nil {
		t.Error("address without a port should be rejected")
	}
	if _, err := g.DialContext(context.Background(), "tcp", "host:notanumber"); err == nil {
		t.Error("non-numeric port should be rejected")
	}
}
