// Package customfile implements the file I/O node kinds. GetCustomFile reads
// a text file from the configured root and joins its lines with a
// configurable delimiter; SaveCustomFile writes resolved content. Paths are
// confined to the root; escaping it is a configuration error.
package customfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	dderrors "github.com/wehubfusion/daedalus/pkg/errors"
	"github.com/wehubfusion/daedalus/pkg/workflow"
)

const defaultDelimiter = "\n"

// GetHandler reads custom files
type GetHandler struct {
	root string
}

// NewGetHandler creates a GetCustomFile handler rooted at dir
func NewGetHandler(dir string) *GetHandler {
	return &GetHandler{root: dir}
}

// Handle reads the configured file and returns its content with lines joined
// by the configured delimiter.
//
// Configuration fields: filepath (required), delimiter.
func (h *GetHandler) Handle(ctx context.Context, ec *workflow.ExecutionContext) (workflow.Result, error) {
	path, err := resolvePath(h.root, ec)
	if err != nil {
		return workflow.Result{}, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// A missing custom file is an empty one; workflows use these as
			// optional user-provided context.
			return workflow.ValueResult(""), nil
		}
		return workflow.Result{}, fmt.Errorf("failed to read custom file: %w", err)
	}

	delimiter := ec.Config.String("delimiter")
	if delimiter == "" {
		delimiter = defaultDelimiter
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	return workflow.ValueResult(strings.Join(lines, delimiter)), nil
}

// NodeType returns the type tag this handler serves
func (h *GetHandler) NodeType() string {
	return "GetCustomFile"
}

// SaveHandler writes custom files
type SaveHandler struct {
	root string
}

// NewSaveHandler creates a SaveCustomFile handler rooted at dir
func NewSaveHandler(dir string) *SaveHandler {
	return &SaveHandler{root: dir}
}

// Handle resolves the content field and writes it to the configured file,
// creating parent directories as needed. Returns the written content.
//
// Configuration fields: filepath (required), content.
func (h *SaveHandler) Handle(ctx context.Context, ec *workflow.ExecutionContext) (workflow.Result, error) {
	path, err := resolvePath(h.root, ec)
	if err != nil {
		return workflow.Result{}, err
	}

	content := ec.ResolveField("content")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return workflow.Result{}, fmt.Errorf("failed to create custom file directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return workflow.Result{}, fmt.Errorf("failed to write custom file: %w", err)
	}
	return workflow.ValueResult(content), nil
}

// NodeType returns the type tag this handler serves
func (h *SaveHandler) NodeType() string {
	return "SaveCustomFile"
}

func resolvePath(root string, ec *workflow.ExecutionContext) (string, error) {
	rel := ec.ResolveField("filepath")
	if rel == "" {
		return "", fmt.Errorf("%w: custom file node requires filepath", dderrors.ErrInvalidNodeConfig)
	}
	path := filepath.Join(root, filepath.Clean("/"+rel))
	if root != "" && !strings.HasPrefix(path, filepath.Clean(root)+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: filepath '%s' escapes the custom files root", dderrors.ErrInvalidNodeConfig, rel)
	}
	return path, nil
}
