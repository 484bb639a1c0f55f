package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"plugin-warden/internal/policy"
)

func testManifest(name string) Manifest {
	return Manifest{
		Name:        name,
		Version:     "1.0.0",
		Limits:      policy.DefaultLimits(),
		Permissions: policy.DefaultPermissions(),
	}
}

func echoEntry() Entry {
	return EntryFunc(func(_ context.Context, _ Env, args map[string]any) (any, error) {
		return args, nil
	})
}

func TestRegisterAndResolve(t *testing.T) {
	r := New()
	h, err := r.Register(testManifest("echo"), echoEntry())
	if err != nil {
		t.Fatalf("Register() = %v", err)
	}
	if h == "" {
		t.Fatal("Register() returned an empty handle")
	}

	p, err := r.Resolve(h)
	if err != nil {
		t.Fatalf("Resolve() = %v", err)
	}
	if p.Manifest.ID() != "echo@1.0.0" {
		t.Errorf("resolved plugin id = %q, want echo@1.0.0", p.Manifest.ID())
	}

	if _, err := r.Resolve(Handle("missing")); err == nil {
		t.Error("Resolve of an unknown handle should fail")
	}
}

func TestRegisterRejectsDuplicatesAndEmpty(t *testing.T) {
	r := New()
	if _, err := r.Register(testManifest("dup"), echoEntry()); err != nil {
		t.Fatalf("first Register() = %v", err)
	}
	if _, err := r.Register(testManifest("dup"), echoEntry()); err == nil {
		t.Error("duplicate plugin id should be rejected")
	}

	// Neither an entry point nor a command.
	if _, err := r.Register(testManifest("hollow"), nil); err == nil {
		t.Error("plugin without entry or command should be rejected")
	}

	cmdOnly := testManifest("external")
	cmdOnly.Command = []string{"/usr/bin/plugin"}
	if _, err := r.Register(cmdOnly, nil); err != nil {
		t.Errorf("command-only plugin should register: %v", err)
	}
}

func TestManifestID(t *testing.T) {
	m := Manifest{Name: "tool"}
	if m.ID() != "tool" {
		t.Errorf("ID() without version = %q, want tool", m.ID())
	}
	m.Version = "2.1.0"
	if m.ID() != "tool@2.1.0" {
		t.Errorf("ID() = %q, want tool@2.1.0", m.ID())
	}
}

func TestQuarantineFirstEventWins(t *testing.T) {
	r := New()
	first := time.Now().Add(-time.Minute)
	r.MarkQuarantined("p@1", "first reason", first)
	r.MarkQuarantined("p@1", "second reason", time.Now())

	if !r.Quarantined("p@1") {
		t.Fatal("plugin should be quarantined")
	}
	events := r.QuarantineEvents()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Reason != "first reason" || !events[0].Timestamp.Equal(first) {
		t.Errorf("event = %+v, want the first signal preserved", events[0])
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plugin.yaml")
	content := `
name: transformer
version: 0.3.0
command: ["/opt/plugins/transform", "--json"]
limits:
  max_memory_mb: 64
permissions:
  network_access: true
  allowed_hosts: ["api.example.com"]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest() = %v", err)
	}
	if m.ID() != "transformer@0.3.0" {
		t.Errorf("id = %q", m.ID())
	}
	if m.Limits.MaxMemoryMB != 64 {
		t.Errorf("MaxMemoryMB = %d, want 64 (file override)", m.Limits.MaxMemoryMB)
	}
	// Omitted limits keep the defaults.
	if m.Limits.MaxExecutionTime != policy.DefaultLimits().MaxExecutionTime {
		t.Errorf("MaxExecutionTime = %s, want the default", m.Limits.MaxExecutionTime)
	}
	if !m.Permissions.NetworkAccess {
		t.Error("network access should come from the file")
	}
}

func TestLoadManifestRejectsInvalid(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
	}{
		{"missing name", "version: 1.0.0\ncommand: [\"/bin/x\"]\n"},
		{"bad limits", "name: x\nlimits:\n  max_memory_mb: 4\n"},
		{"not yaml", "{{{{"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0o600); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadManifest(path); err == nil {
				t.Error("LoadManifest() = nil, want error")
			}
		})
	}

	if _, err := LoadManifest(filepath.Join(dir, "absent.yaml")); err == nil {
		t.Error("missing file should fail")
	}
}
