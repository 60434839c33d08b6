package config

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	starjson "go.starlark.net/lib/json"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

const (
	defaultScriptTimeout = 2 * time.Second
	maxScriptSteps       = 10_000_000
)

// scriptRunner evaluates endpoint body scripts. A script sees its inputs
// as predeclared globals next to the struct and json modules and must
// assign a string to body. print is discarded, and a script is cancelled
// when its context ends, its timeout passes or it exceeds the step budget.
type scriptRunner struct {
	timeout time.Duration
	steps   uint64
}

func newScriptRunner(timeout time.Duration) *scriptRunner {
	if timeout <= 0 {
		timeout = defaultScriptTimeout
	}
	return &scriptRunner{timeout: timeout, steps: maxScriptSteps}
}

// Body runs src and returns the value it assigned to body. Every input
// value must be JSON encodable; it reaches the script as the result of
// json.decode.
func (r *scriptRunner) Body(ctx context.Context, name, src string, input map[string]any) (string, error) {
	thread := &starlark.Thread{Name: name, Print: func(*starlark.Thread, string) {}}
	thread.SetMaxExecutionSteps(r.steps)

	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"json":   starjson.Module,
	}
	for key, val := range input {
		sv, err := decodeJSONValue(thread, val)
		if err != nil {
			return "", fmt.Errorf("script %s: input %s: %w", name, key, err)
		}
		predeclared[key] = sv
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	stop := context.AfterFunc(runCtx, func() { thread.Cancel(runCtx.Err().Error()) })
	defer stop()

	globals, err := starlark.ExecFile(thread, name, src, predeclared)
	if err != nil {
		return "", fmt.Errorf("script %s: %w", name, err)
	}

	switch body := globals["body"].(type) {
	case starlark.String:
		return string(body), nil
	case nil:
		return "", fmt.Errorf("script %s never assigns body", name)
	default:
		return "", fmt.Errorf("script %s assigns a %s to body, want string", name, body.Type())
	}
}

// decodeJSONValue hands v to the script as json.decode would produce it,
// so scripts see dicts, lists and scalars with the usual JSON mapping.
func decodeJSONValue(thread *starlark.Thread, v any) (starlark.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return starlark.Call(thread, starjson.Module.Members["decode"], starlark.Tuple{starlark.String(data)}, nil)
}
