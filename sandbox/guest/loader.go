package guest

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/tomyedwab/frontdoor/wire"
)

// Loader turns an entrypoint file into a Handler.
type Loader interface {
	Load(ctx context.Context, entrypoint string) (Handler, error)
}

// Handler serves a single request. env is the composed environment of the
// application; handlers must not rely on process-wide state for it.
type Handler interface {
	Serve(ctx context.Context, req wire.SerializedRequest, env map[string]string) (wire.SerializedResponse, error)
	Close(ctx context.Context) error
}

// ContractError means the tenant code does not satisfy the handler contract.
type ContractError struct {
	Message string
}

func (e *ContractError) Error() string {
	return e.Message
}

func contractErrorf(format string, args ...any) *ContractError {
	return &ContractError{Message: fmt.Sprintf(format, args...)}
}

// Fault is an error raised by tenant code.
type Fault struct {
	Message string
	Stack   string
}

func (e *Fault) Error() string {
	return e.Message
}

// DefaultLoaders returns the JS and WASM loaders keyed by extension. Tenant
// console output goes to console.
func DefaultLoaders(console io.Writer) map[string]Loader {
	js := &JSLoader{Console: console}
	wasm := &WASMLoader{Log: console}
	return map[string]Loader{
		".ts":   js,
		".tsx":  js,
		".js":   js,
		".jsx":  js,
		".wasm": wasm,
	}
}

// LoaderFor picks the loader for entrypoint's extension.
func LoaderFor(loaders map[string]Loader, entrypoint string) (Loader, error) {
	ext := strings.ToLower(filepath.Ext(entrypoint))
	loader, ok := loaders[ext]
	if !ok {
		return nil, contractErrorf("no loader for entrypoint %s", filepath.Base(entrypoint))
	}
	return loader, nil
}
