package guest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/tomyedwab/frontdoor/wire"
)

// WASMLoader runs WebAssembly handler modules with wazero.
//
// A handler module exports its memory and:
//
//	alloc_bytes(size i32) i64          // handle<<32 | pointer
//	handle_request(handle i32, size i32) i32
//	free_bytes(handle i32)             // optional
//
// handle_request receives the JSON-encoded request and answers by calling the
// host import env.write_response(ptr, len) with a JSON-encoded response. It
// returns zero on success. env.log(ptr, len) writes a line of diagnostics.
type WASMLoader struct {
	// Log receives env.log output and the module's stdout and stderr.
	Log io.Writer
}

type wasmHandler struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	log      io.Writer
}

type responseKey struct{}

type responseCollector struct {
	data    []byte
	written bool
	err     error
}

var wasmExports = map[string]struct {
	params  []api.ValueType
	results []api.ValueType
}{
	"alloc_bytes":    {[]api.ValueType{api.ValueTypeI32}, []api.ValueType{api.ValueTypeI64}},
	"handle_request": {[]api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}},
}

func (l *WASMLoader) Load(ctx context.Context, entrypoint string) (Handler, error) {
	source, err := os.ReadFile(entrypoint)
	if err != nil {
		return nil, fmt.Errorf("failed to read module %s: %w", entrypoint, err)
	}

	log := l.Log
	if log == nil {
		log = io.Discard
	}

	r := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}
	_, err = r.NewHostModuleBuilder("env").
		NewFunctionBuilder().WithFunc(writeResponse).Export("write_response").
		NewFunctionBuilder().WithFunc(func(ctx context.Context, m api.Module, offset, byteCount uint32) {
		if buf, ok := m.Memory().Read(offset, byteCount); ok {
			fmt.Fprintln(log, string(buf))
		}
	}).Export("log").
		Instantiate(ctx)
	if err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	compiled, err := r.CompileModule(ctx, source)
	if err != nil {
		r.Close(ctx)
		return nil, contractErrorf("invalid WebAssembly module: %v", err)
	}
	if err := checkWASMExports(compiled); err != nil {
		r.Close(ctx)
		return nil, err
	}

	return &wasmHandler{runtime: r, compiled: compiled, log: log}, nil
}

func checkWASMExports(compiled wazero.CompiledModule) error {
	if len(compiled.ExportedMemories()) == 0 {
		return contractErrorf("module must export its memory")
	}
	functions := compiled.ExportedFunctions()
	names := make([]string, 0, len(wasmExports))
	for name := range wasmExports {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		want := wasmExports[name]
		def, ok := functions[name]
		if !ok {
			return contractErrorf("module must export function %s", name)
		}
		if !slices.Equal(def.ParamTypes(), want.params) || !slices.Equal(def.ResultTypes(), want.results) {
			return contractErrorf("module export %s has the wrong signature", name)
		}
	}
	return nil
}

func (h *wasmHandler) Serve(ctx context.Context, req wire.SerializedRequest, env map[string]string) (wire.SerializedResponse, error) {
	collector := &responseCollector{}
	ctx = context.WithValue(ctx, responseKey{}, collector)

	config := wazero.NewModuleConfig().
		WithStartFunctions("_initialize").
		WithStdout(h.log).
		WithStderr(h.log)
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		config = config.WithEnv(key, env[key])
	}

	m, err := h.runtime.InstantiateModule(ctx, h.compiled, config)
	if err != nil {
		return wire.SerializedResponse{}, &Fault{Message: fmt.Sprintf("failed to instantiate module: %v", err)}
	}
	defer m.Close(ctx)

	payload, err := json.Marshal(req)
	if err != nil {
		return wire.SerializedResponse{}, fmt.Errorf("failed to encode request: %w", err)
	}

	result, err := m.ExportedFunction("alloc_bytes").Call(ctx, uint64(len(payload)))
	if err != nil {
		return wire.SerializedResponse{}, &Fault{Message: fmt.Sprintf("alloc_bytes failed: %v", err)}
	}
	handle := uint32(result[0] >> 32)
	ptr := uint32(result[0])
	if !m.Memory().Write(ptr, payload) {
		return wire.SerializedResponse{}, contractErrorf("alloc_bytes returned an out of range pointer %d", ptr)
	}

	status, err := m.ExportedFunction("handle_request").Call(ctx, uint64(handle), uint64(len(payload)))
	if free := m.ExportedFunction("free_bytes"); free != nil && err == nil {
		free.Call(ctx, uint64(handle))
	}
	if err != nil {
		return wire.SerializedResponse{}, &Fault{Message: fmt.Sprintf("handle_request failed: %v", err)}
	}
	if code := int32(status[0]); code != 0 {
		return wire.SerializedResponse{}, &Fault{Message: fmt.Sprintf("handle_request returned %d", code)}
	}

	if collector.err != nil {
		return wire.SerializedResponse{}, collector.err
	}
	if !collector.written {
		return wire.SerializedResponse{}, contractErrorf("module did not call write_response")
	}
	var resp wire.SerializedResponse
	if err := json.Unmarshal(collector.data, &resp); err != nil {
		return wire.SerializedResponse{}, contractErrorf("invalid response from module: %v", err)
	}
	if err := resp.Validate(); err != nil {
		return wire.SerializedResponse{}, contractErrorf("invalid response from module: %v", err)
	}
	if _, err := resp.BodyBytes(); err != nil {
		return wire.SerializedResponse{}, contractErrorf("invalid response from module: %v", err)
	}
	return resp, nil
}

func (h *wasmHandler) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}

func writeResponse(ctx context.Context, m api.Module, offset, byteCount uint32) {
	collector, ok := ctx.Value(responseKey{}).(*responseCollector)
	if !ok {
		return
	}
	buf, ok := m.Memory().Read(offset, byteCount)
	if !ok {
		collector.err = contractErrorf("write_response(%d, %d) is out of range", offset, byteCount)
		return
	}
	collector.data = append(collector.data[:0], buf...)
	collector.written = true
}
