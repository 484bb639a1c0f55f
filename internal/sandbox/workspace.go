package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
)

// workspace is the throwaway directory tree a sandboxed plugin runs in.
// Every path handed to the plugin lives under Root.
type workspace struct {
	Root    string
	DataDir string
	TmpDir  string
	LogDir  string
}

// newWorkspace creates the workspace under parent, or under the system
// temp directory when parent is empty.
func newWorkspace(parent, sandboxID string) (*workspace, error) {
	if parent != "" {
		if err := os.MkdirAll(parent, 0o750); err != nil {
			return nil, fmt.Errorf("creating workspace parent: %w", err)
		}
	}

	root, err := os.MkdirTemp(parent, "warden-"+sandboxID+"-*")
	if err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}

	ws := &workspace{
		Root:    root,
		DataDir: filepath.Join(root, "data"),
		TmpDir:  filepath.Join(root, "tmp"),
		LogDir:  filepath.Join(root, "logs"),
	}
	for _, dir := range []string{ws.DataDir, ws.TmpDir, ws.LogDir} {
		if err := os.Mkdir(dir, 0o700); err != nil {
			_ = os.RemoveAll(root)
			return nil, fmt.Errorf("creating workspace subdirectory %s: %w", filepath.Base(dir), err)
		}
	}
	return ws, nil
}

// Remove deletes the whole workspace tree.
func (w *workspace) Remove() error {
	return os.RemoveAll(w.Root)
}
