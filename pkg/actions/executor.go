// Package actions defines the contract to the native action executor, the
// external collaborator that performs mouse, keyboard, screenshot, and shell
// operations on the host. This package deliberately contains no automation
// code: the server only dispatches through the Executor interface.
package actions

import (
	"context"
	"fmt"
)

// Executor performs one native action. Calls are synchronous and may take
// arbitrary wall-clock time (e.g. a "wait" action). A single tool invocation
// executes its action list strictly in order, so implementations are never
// re-entered concurrently for the same logical sequence.
type Executor interface {
	Execute(ctx context.Context, actionType string, params map[string]any) (map[string]any, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, actionType string, params map[string]any) (map[string]any, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, actionType string, params map[string]any) (map[string]any, error) {
	return f(ctx, actionType, params)
}

// Unsupported is the default executor when no native integration is wired.
// Every action fails with a plain-language error.
type Unsupported struct{}

// Execute always fails.
func (Unsupported) Execute(_ context.Context, actionType string, _ map[string]any) (map[string]any, error) {
	return nil, fmt.Errorf("action %q is not supported on this host", actionType)
}

// Verify interface compliance.
var (
	_ Executor = ExecutorFunc(nil)
	_ Executor = Unsupported{}
)
