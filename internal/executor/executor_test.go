package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"plugin-warden/internal/policy"
	"plugin-warden/internal/registry"
)

func inprocSpec(entry registry.Entry) RunSpec {
	return RunSpec{
		SandboxID: "sb-test",
		Plugin: &registry.Plugin{
			Handle: "h",
			Manifest: registry.Manifest{
				Name:        "test-plugin",
				Version:     "1.0",
				Limits:      policy.DefaultLimits(),
				Permissions: policy.DefaultPermissions(),
			},
			Entry: entry,
		},
		Args: map[string]any{"value": 41},
	}
}

func TestInProcess_Success(t *testing.T) {
	entry := registry.EntryFunc(func(_ context.Context, _ registry.Env, args map[string]any) (any, error) {
		return map[string]any{"doubled": args["value"]}, nil
	})

	b := NewInProcess()
	exec, err := b.Start(context.Background(), inprocSpec(entry))
	if err != nil {
		t.Fatalf("Start() = %v", err)
	}
	if exec.PID() != 0 {
		t.Errorf("PID() = %d, want 0 for in-process", exec.PID())
	}

	out := exec.Wait()
	if out.Err != nil || out.ExitCode != 0 {
		t.Fatalf("Wait() = exit %d, err %v", out.ExitCode, out.Err)
	}
	result, ok := out.Output.(map[string]any)
	if !ok || result["doubled"] != 41 {
		t.Errorf("Output = %v, want the entry's return value", out.Output)
	}
}

func TestInProcess_EntryError(t *testing.T) {
	wantErr := errors.New("bad input")
	entry := registry.EntryFunc(func(context.Context, registry.Env, map[string]any) (any, error) {
		return nil, wantErr
	})

	b := NewInProcess()
	exec, err := b.Start(context.Background(), inprocSpec(entry))
	if err != nil {
		t.Fatalf("Start() = %v", err)
	}

	out := exec.Wait()
	if !errors.Is(out.Err, wantErr) {
		t.Errorf("Wait().Err = %v, want %v", out.Err, wantErr)
	}
	if out.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", out.ExitCode)
	}
}

func TestInProcess_PanicRecovered(t *testing.T) {
	entry := registry.EntryFunc(func(context.Context, registry.Env, map[string]any) (any, error) {
		panic("plugin bug")
	})

	b := NewInProcess()
	exec, err := b.Start(context.Background(), inprocSpec(entry))
	if err != nil {
		t.Fatalf("Start() = %v", err)
	}

	out := exec.Wait()
	if out.ExitCode != -1 {
		t.Errorf("ExitCode = %d, want -1 after panic", out.ExitCode)
	}
	if out.Err == nil || !strings.Contains(out.Err.Error(), "plugin panic") {
		t.Errorf("Err = %v, want a plugin panic error", out.Err)
	}
}

func TestInProcess_KillCancelsContext(t *testing.T) {
	started := make(chan struct{})
	entry := registry.EntryFunc(func(ctx context.Context, _ registry.Env, _ map[string]any) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	b := NewInProcess()
	exec, err := b.Start(context.Background(), inprocSpec(entry))
	if err != nil {
		t.Fatalf("Start() = %v", err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("entry never started")
	}

	exec.Kill()
	out := exec.Wait()
	if !errors.Is(out.Err, context.Canceled) {
		t.Errorf("Err = %v, want context.Canceled", out.Err)
	}
}

func TestInProcess_RequiresEntry(t *testing.T) {
	spec := inprocSpec(nil)
	spec.Plugin.Entry = nil
	if _, err := NewInProcess().Start(context.Background(), spec); err == nil {
		t.Error("Start without an entry point should fail")
	}
}

func TestForLevel(t *testing.T) {
	ctx := context.Background()

	for _, level := range []policy.IsolationLevel{policy.LevelMinimal, policy.LevelStandard} {
		b, err := ForLevel(ctx, level, ContainerOptions{})
		if err != nil {
			t.Fatalf("ForLevel(%s) = %v", level, err)
		}
		if _, ok := b.(*InProcess); !ok {
			t.Errorf("ForLevel(%s) = %T, want *InProcess", level, b)
		}
	}

	b, err := ForLevel(ctx, policy.LevelStrict, ContainerOptions{})
	if err != nil {
		t.Fatalf("ForLevel(strict) = %v", err)
	}
	if _, ok := b.(*Subprocess); !ok {
		t.Errorf("ForLevel(strict) = %T, want *Subprocess", b)
	}

	if _, err := ForLevel(ctx, "bogus", ContainerOptions{}); err == nil {
		t.Error("unknown level should fail")
	}
}

func TestDecodeOutput(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
		want   any
	}{
		{"empty", "", nil},
		{"whitespace only", "  \n\t", nil},
		{"json object", `{"n": 1}` + "\n", map[string]any{"n": float64(1)}},
		{"json number", "42", float64(42)},
		{"plain text", "done\n", "done"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := decodeOutput(tt.stdout)
			switch want := tt.want.(type) {
			case map[string]any:
				m, ok := got.(map[string]any)
				if !ok || m["n"] != want["n"] {
					t.Errorf("decodeOutput(%q) = %v, want %v", tt.stdout, got, want)
				}
			default:
				if got != tt.want {
					t.Errorf("decodeOutput(%q) = %v, want %v", tt.stdout, got, tt.want)
				}
			}
		})
	}
}

func TestLimitedBuffer(t *testing.T) {
	var b limitedBuffer
	b.limit = 8

	n, err := b.Write([]byte("hello"))
	if n != 5 || err != nil {
		t.Fatalf("Write = %d, %v", n, err)
	}
	// Past the cap the writer still reports full success so the plugin
	// never sees a broken pipe.
	n, err = b.Write([]byte("worldwide"))
	if n != 9 || err != nil {
		t.Fatalf("second Write = %d, %v", n, err)
	}
	if got := b.String(); got != "hellowor" {
		t.Errorf("String() = %q, want the first 8 bytes", got)
	}
}
