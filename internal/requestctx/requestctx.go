// Package requestctx carries request-scoped values (model, endpoint, command) through context.Context
// so crash reports can record what the process was doing when it failed.
package requestctx

import "context"

// Keys understood by Get and With.
const (
	ModelID  = "modelId"
	Endpoint = "endpoint"
	Command  = "command"
)

type contextKey struct{ name string }

var (
	modelIDKey  = contextKey{ModelID}
	endpointKey = contextKey{Endpoint}
	commandKey  = contextKey{Command}
)

func keyFor(name string) (contextKey, bool) {
	switch name {
	case ModelID:
		return modelIDKey, true
	case Endpoint:
		return endpointKey, true
	case Command:
		return commandKey, true
	}
	return contextKey{}, false
}

// Values is the full set of request-scoped values.
type Values struct {
	ModelID  string
	Endpoint string
	Command  string
}

// With returns a context with key set to value. Unknown keys leave ctx unchanged.
func With(ctx context.Context, key, value string) context.Context {
	k, ok := keyFor(key)
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, k, value)
}

// WithValues sets every non-empty field of v on ctx.
func WithValues(ctx context.Context, v Values) context.Context {
	if v.ModelID != "" {
		ctx = With(ctx, ModelID, v.ModelID)
	}
	if v.Endpoint != "" {
		ctx = With(ctx, Endpoint, v.Endpoint)
	}
	if v.Command != "" {
		ctx = With(ctx, Command, v.Command)
	}
	return ctx
}

// Lookup returns the value for key and true if set; otherwise "", false.
func Lookup(ctx context.Context, key string) (string, bool) {
	k, ok := keyFor(key)
	if !ok || ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(k).(string)
	return v, ok
}

// Get returns the value for key, or "" when unset.
func Get(ctx context.Context, key string) string {
	v, _ := Lookup(ctx, key)
	return v
}

// Service looks values up from the context. The zero value is ready to use.
type Service struct{}

// Get returns the value for key, or "" when unset.
func (Service) Get(ctx context.Context, key string) string {
	return Get(ctx, key)
}
