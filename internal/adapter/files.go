package adapter

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	dErrors "breakglass/pkg/domain-errors"
)

func init() {
	Register("files", newFilesAdapter)
}

// filesAdapter serves reads from a directory tree. Connect pins the root;
// Retrieve resolves paths strictly underneath it. It exists both as the
// simplest real adapter and as the reference implementation of the contract.
type filesAdapter struct {
	root      string
	connected bool
}

func newFilesAdapter(options map[string]string) (Adapter, error) {
	return &filesAdapter{root: options["root"]}, nil
}

func (a *filesAdapter) Connect(ctx context.Context, target, credentials map[string]string) error {
	root := a.root
	if r, ok := target["root"]; ok && r != "" {
		root = r
	}
	if root == "" {
		return dErrors.New(dErrors.CodeBadRequest, "files adapter requires a root directory")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return dErrors.New(dErrors.CodeBadRequest, "files adapter root is not resolvable")
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return dErrors.New(dErrors.CodeNotFound, "files adapter root is not a directory")
	}
	a.root = abs
	a.connected = true
	return nil
}

func (a *filesAdapter) Retrieve(ctx context.Context, path string) ([]byte, error) {
	if !a.connected {
		return nil, errors.New("files adapter is not connected")
	}
	full := filepath.Join(a.root, filepath.FromSlash(strings.TrimPrefix(path, "/")))
	// Joined paths must stay inside the root; ".." segments get callers
	// nothing.
	if full != a.root && !strings.HasPrefix(full, a.root+string(os.PathSeparator)) {
		return nil, dErrors.New(dErrors.CodeForbidden, "path escapes the adapter root")
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil, dErrors.New(dErrors.CodeNotFound, "no file at path")
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (a *filesAdapter) Cleanup() error {
	a.connected = false
	a.root = ""
	return nil
}
