package guest

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/dop251/goja"
	"github.com/evanw/esbuild/pkg/api"

	"github.com/tomyedwab/frontdoor/wire"
)

//go:embed prelude.js
var preludeSource string

const (
	preludeName = "frontdoor:prelude"
	wrapperHead = "(function (module, exports, require) {\n"
	wrapperTail = "\n})"
)

// JSLoader bundles TypeScript/JavaScript entrypoints with esbuild and runs
// them in a goja runtime.
type JSLoader struct {
	// Console receives console.* output from tenant code.
	Console io.Writer
}

type jsHandler struct {
	vm      *goja.Runtime
	helpers *preludeHelpers
	fn      goja.Callable
	this    goja.Value
	stop    func() bool
}

type preludeHelpers struct {
	createRequest     goja.Callable
	createEnv         goja.Callable
	isResponse        goja.Callable
	serializeResponse goja.Callable
}

func (l *JSLoader) Load(ctx context.Context, entrypoint string) (Handler, error) {
	code, err := bundle(entrypoint)
	if err != nil {
		return nil, err
	}

	vm := goja.New()
	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(ctx.Err())
	})

	helpers, err := installPrelude(vm, l.Console)
	if err != nil {
		stop()
		return nil, fmt.Errorf("failed to install prelude: %w", err)
	}

	exports, err := evaluate(vm, entrypoint, code)
	if err != nil {
		stop()
		return nil, err
	}

	fn, this, err := handlerFromExports(vm, exports)
	if err != nil {
		stop()
		return nil, err
	}

	return &jsHandler{vm: vm, helpers: helpers, fn: fn, this: this, stop: stop}, nil
}

func (h *jsHandler) Serve(ctx context.Context, req wire.SerializedRequest, env map[string]string) (wire.SerializedResponse, error) {
	request, err := h.newRequest(req)
	if err != nil {
		return wire.SerializedResponse{}, err
	}
	envSource, err := json.Marshal(env)
	if err != nil {
		return wire.SerializedResponse{}, fmt.Errorf("failed to encode env: %w", err)
	}
	envObject, err := h.helpers.createEnv(goja.Undefined(), h.vm.ToValue(string(envSource)))
	if err != nil {
		return wire.SerializedResponse{}, faultFromError(err)
	}

	result, err := h.fn(h.this, request, envObject)
	if err != nil {
		return wire.SerializedResponse{}, faultFromError(err)
	}

	result, err = settle(ctx, result)
	if err != nil {
		return wire.SerializedResponse{}, err
	}
	return h.serialize(result)
}

func (h *jsHandler) Close(ctx context.Context) error {
	h.stop()
	return nil
}

func (h *jsHandler) newRequest(req wire.SerializedRequest) (goja.Value, error) {
	meta, err := json.Marshal(struct {
		URL     string       `json:"url"`
		Method  string       `json:"method"`
		Headers wire.Headers `json:"headers"`
	}{req.URL, req.Method, req.Headers})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	body := goja.Null()
	data, err := req.BodyBytes()
	if err != nil {
		return nil, err
	}
	if data != nil {
		body = h.vm.ToValue(h.vm.NewArrayBuffer(data))
	}

	request, err := h.helpers.createRequest(goja.Undefined(), h.vm.ToValue(string(meta)), body)
	if err != nil {
		return nil, faultFromError(err)
	}
	return request, nil
}

func (h *jsHandler) serialize(result goja.Value) (wire.SerializedResponse, error) {
	ok, err := h.helpers.isResponse(goja.Undefined(), result)
	if err != nil {
		return wire.SerializedResponse{}, faultFromError(err)
	}
	if !ok.ToBoolean() {
		return wire.SerializedResponse{}, contractErrorf("handler must return a Response, got %s", describe(result))
	}

	serialized, err := h.helpers.serializeResponse(goja.Undefined(), result)
	if err != nil {
		return wire.SerializedResponse{}, faultFromError(err)
	}
	obj := serialized.ToObject(h.vm)

	status := obj.Get("status").ToInteger()
	if status < 100 || status > 599 {
		return wire.SerializedResponse{}, contractErrorf("response status %s is outside the range 100-599", obj.Get("status"))
	}

	var pairs [][]string
	if err := h.vm.ExportTo(obj.Get("headers"), &pairs); err != nil {
		return wire.SerializedResponse{}, contractErrorf("invalid response headers: %v", err)
	}
	headers := make(wire.Headers, 0, len(pairs))
	for _, pair := range pairs {
		if len(pair) != 2 {
			return wire.SerializedResponse{}, contractErrorf("invalid response header %v", pair)
		}
		headers = append(headers, [2]string{pair[0], pair[1]})
	}

	body, err := exportBody(obj.Get("body"))
	if err != nil {
		return wire.SerializedResponse{}, err
	}

	return wire.NewSerializedResponse(int(status), obj.Get("statusText").String(), headers, body), nil
}

func exportBody(value goja.Value) ([]byte, error) {
	if goja.IsNull(value) || goja.IsUndefined(value) {
		return nil, nil
	}
	switch body := value.Export().(type) {
	case string:
		return []byte(body), nil
	case goja.ArrayBuffer:
		return append([]byte{}, body.Bytes()...), nil
	case []byte:
		return body, nil
	default:
		return nil, contractErrorf("unsupported response body type %T", body)
	}
}

// settle unwraps a promise returned by an async handler. Promise jobs have
// already run by the time the handler call returns, so a pending promise can
// only end with the execution timeout or cancellation.
func settle(ctx context.Context, result goja.Value) (goja.Value, error) {
	if result == nil {
		return goja.Undefined(), nil
	}
	promise, ok := result.Export().(*goja.Promise)
	if !ok {
		return result, nil
	}
	switch promise.State() {
	case goja.PromiseStateFulfilled:
		return promise.Result(), nil
	case goja.PromiseStateRejected:
		return nil, faultFromValue(promise.Result())
	default:
		<-ctx.Done()
		return nil, &Fault{Message: fmt.Sprintf("handler promise was still pending when the sandbox stopped: %v", context.Cause(ctx))}
	}
}

func installPrelude(vm *goja.Runtime, console io.Writer) (*preludeHelpers, error) {
	hostObj := vm.NewObject()
	hostObj.Set("log", func(level, message string) {
		if console == nil {
			return
		}
		prefix := ""
		if level != "log" && level != "info" {
			prefix = "[" + level + "] "
		}
		for _, line := range strings.Split(message, "\n") {
			fmt.Fprintln(console, prefix+line)
		}
	})
	hostObj.Set("text", func(call goja.FunctionCall) goja.Value {
		buf, ok := call.Argument(0).Export().(goja.ArrayBuffer)
		if !ok {
			panic(vm.NewTypeError("expected an ArrayBuffer"))
		}
		return vm.ToValue(string(buf.Bytes()))
	})
	hostObj.Set("encode", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(vm.NewArrayBuffer([]byte(call.Argument(0).String())))
	})

	hostObj.Set("parseURL", func(call goja.FunctionCall) goja.Value {
		parts, err := parseURL(call.Argument(0).String(), call.Argument(1).String())
		if err != nil {
			panic(vm.NewTypeError("Invalid URL: %s", call.Argument(0).String()))
		}
		return vm.ToValue(parts)
	})

	factory, err := vm.RunScript(preludeName, preludeSource)
	if err != nil {
		return nil, err
	}
	call, ok := goja.AssertFunction(factory)
	if !ok {
		return nil, errors.New("prelude did not evaluate to a function")
	}
	exported, err := call(goja.Undefined(), hostObj)
	if err != nil {
		return nil, err
	}
	obj := exported.ToObject(vm)

	helpers := &preludeHelpers{}
	for name, dst := range map[string]*goja.Callable{
		"createRequest":     &helpers.createRequest,
		"createEnv":         &helpers.createEnv,
		"isResponse":        &helpers.isResponse,
		"serializeResponse": &helpers.serializeResponse,
	} {
		fn, ok := goja.AssertFunction(obj.Get(name))
		if !ok {
			return nil, fmt.Errorf("prelude helper %s is missing", name)
		}
		*dst = fn
	}
	return helpers, nil
}

// parseURL resolves input against base and returns the URL components as
// a JSON object.
func parseURL(input, base string) (string, error) {
	u, err := url.Parse(input)
	if err != nil {
		return "", err
	}
	if base != "" {
		b, err := url.Parse(base)
		if err != nil {
			return "", err
		}
		u = b.ResolveReference(u)
	}
	if !u.IsAbs() || u.Host == "" && u.Scheme != "file" {
		return "", fmt.Errorf("%s is not an absolute URL", input)
	}
	if u.Path == "" {
		u.Path = "/"
	}

	parts := map[string]string{
		"href":     u.String(),
		"protocol": u.Scheme + ":",
		"host":     u.Host,
		"hostname": u.Hostname(),
		"port":     u.Port(),
		"pathname": u.EscapedPath(),
		"search":   "",
		"hash":     "",
		"origin":   u.Scheme + "://" + u.Host,
		"username": u.User.Username(),
	}
	if password, ok := u.User.Password(); ok {
		parts["password"] = password
	} else {
		parts["password"] = ""
	}
	if u.RawQuery != "" {
		parts["search"] = "?" + u.RawQuery
	}
	if u.Fragment != "" {
		parts["hash"] = "#" + u.EscapedFragment()
	}
	data, err := json.Marshal(parts)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// evaluate runs the bundled module and returns its exports object.
func evaluate(vm *goja.Runtime, entrypoint, code string) (*goja.Object, error) {
	wrapped, err := vm.RunScript(entrypoint, wrapperHead+code+wrapperTail)
	if err != nil {
		return nil, faultFromError(err)
	}
	fn, ok := goja.AssertFunction(wrapped)
	if !ok {
		return nil, errors.New("module wrapper did not evaluate to a function")
	}

	module := vm.NewObject()
	exports := vm.NewObject()
	module.Set("exports", exports)
	require := func(call goja.FunctionCall) goja.Value {
		panic(vm.NewTypeError("module %q is not available in the sandbox", call.Argument(0).String()))
	}

	if _, err := fn(goja.Undefined(), module, exports, vm.ToValue(require)); err != nil {
		return nil, faultFromError(err)
	}
	result := module.Get("exports")
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, contractErrorf("module has no exports")
	}
	return result.ToObject(vm), nil
}

// handlerFromExports accepts a callable default export, or a default export
// object with a callable fetch member.
func handlerFromExports(vm *goja.Runtime, exports *goja.Object) (goja.Callable, goja.Value, error) {
	def := exports.Get("default")
	if def == nil || goja.IsUndefined(def) || goja.IsNull(def) {
		return nil, nil, contractErrorf("module has no default export")
	}
	if fn, ok := goja.AssertFunction(def); ok {
		return fn, goja.Undefined(), nil
	}
	obj, ok := def.(*goja.Object)
	if !ok {
		return nil, nil, contractErrorf("default export must be a function or an object with a fetch method, got %s", describe(def))
	}
	fetch := obj.Get("fetch")
	if fetch == nil || goja.IsUndefined(fetch) {
		return nil, nil, contractErrorf("default export has no fetch method")
	}
	fn, ok := goja.AssertFunction(fetch)
	if !ok {
		return nil, nil, contractErrorf("default export fetch member must be a function, got %s", describe(fetch))
	}
	return fn, obj, nil
}

func describe(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	if _, ok := v.(*goja.Object); ok {
		return "object"
	}
	return v.ExportType().String()
}

// bundle compiles entrypoint and its local imports into a single CommonJS
// script. Remote specifiers are left as require calls.
func bundle(entrypoint string) (string, error) {
	result := api.Build(api.BuildOptions{
		EntryPoints:       []string{entrypoint},
		Bundle:            true,
		Write:             false,
		Format:            api.FormatCommonJS,
		Platform:          api.PlatformNeutral,
		Target:            api.ES2017,
		LogLevel:          api.LogLevelSilent,
		External:          []string{"http://*", "https://*", "npm:*", "jsr:*", "node:*"},
		JSX:               api.JSXTransform,
		Sourcemap:         api.SourceMapNone,
		Charset:           api.CharsetUTF8,
		MainFields:        []string{"module", "main"},
		ResolveExtensions: []string{".ts", ".tsx", ".js", ".jsx", ".mjs", ".json"},
	})
	if len(result.Errors) > 0 {
		msgs := api.FormatMessages(result.Errors, api.FormatMessagesOptions{Kind: api.ErrorMessage})
		return "", &Fault{
			Message: fmt.Sprintf("failed to load %s: %s", entrypoint, result.Errors[0].Text),
			Stack:   strings.TrimSpace(strings.Join(msgs, "")),
		}
	}
	if len(result.OutputFiles) == 0 {
		return "", fmt.Errorf("bundling %s produced no output", entrypoint)
	}
	return string(result.OutputFiles[0].Contents), nil
}
