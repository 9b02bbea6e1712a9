// Package actor implements the registry that maps target names to actors and
// action names to invocable handlers.
//
// Actors declare their remotely invocable actions explicitly: the Actions map
// is walked once at registration, and each Action closes over a decode
// function specialized to its argument type. No reflection runs on the
// dispatch path. Action names are case-sensitive and matched exactly; an
// alias distinct from the Go method name is simply a different map key
// (e.g. "multiply" for a method named Mul).
package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"nanorpc/codec"
)

var (
	ErrEmptyName = errors.New("actor: target name must be non-empty")
	ErrNilActor  = errors.New("actor: instance must be non-nil")
)

// Actor is the capability interface for registrable handler objects.
// Actions returns the table of remotely invocable actions keyed by name.
type Actor interface {
	Actions() map[string]Action
}

// Action decodes a frame body with the connection's codec and invokes the
// underlying handler. It returns the handler's result value (nil for
// actions with no return) or an error.
type Action func(ctx context.Context, c codec.Codec, body []byte) (any, error)

// Typed builds an Action for a handler taking one argument and returning one
// value. The decode step is bound to Req here, at registration time.
// An empty body invokes the handler with the zero value of Req.
func Typed[Req, Resp any](fn func(ctx context.Context, req Req) (Resp, error)) Action {
	return func(ctx context.Context, c codec.Codec, body []byte) (any, error) {
		var req Req
		if len(body) > 0 {
			if err := c.Decode(body, &req); err != nil {
				return nil, fmt.Errorf("decode argument: %w", err)
			}
		}
		return fn(ctx, req)
	}
}

// NoReply builds an Action for a handler that returns no value. The reply
// frame for such an action carries an empty body.
func NoReply[Req any](fn func(ctx context.Context, req Req) error) Action {
	return func(ctx context.Context, c codec.Codec, body []byte) (any, error) {
		var req Req
		if len(body) > 0 {
			if err := c.Decode(body, &req); err != nil {
				return nil, fmt.Errorf("decode argument: %w", err)
			}
		}
		return nil, fn(ctx, req)
	}
}

// NoArg builds an Action for a handler that takes no argument; the request
// body is ignored.
func NoArg[Resp any](fn func(ctx context.Context) (Resp, error)) Action {
	return func(ctx context.Context, _ codec.Codec, _ []byte) (any, error) {
		return fn(ctx)
	}
}

// Registry maps target names to registered action tables. Registration
// happens at startup; dispatch reads run concurrently thereafter, so the
// maps are guarded by a read-mostly RWMutex.
type Registry struct {
	mu      sync.RWMutex
	targets map[string]map[string]Action
}

func NewRegistry() *Registry {
	return &Registry{targets: make(map[string]map[string]Action)}
}

// Register indexes a's actions under the given target name. The name must be
// non-empty and the actor non-nil; registering the same name twice replaces
// the earlier table.
func (r *Registry) Register(name string, a Actor) error {
	if name == "" {
		return ErrEmptyName
	}
	if a == nil {
		return ErrNilActor
	}
	// Copy so later mutation of the actor's map cannot race with dispatch.
	actions := make(map[string]Action, len(a.Actions()))
	for alias, act := range a.Actions() {
		actions[alias] = act
	}
	r.mu.Lock()
	r.targets[name] = actions
	r.mu.Unlock()
	return nil
}

// Targets returns the registered target names.
func (r *Registry) Targets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.targets))
	for name := range r.targets {
		names = append(names, name)
	}
	return names
}

// Dispatch resolves target and method, decodes the body, and invokes the
// action. A panicking handler is recovered and converted into an error
// carrying the panic message, never a stack trace; dispatch failures and
// handler errors come back the same way, so the caller only has to forward
// err.Error() across the wire.
func (r *Registry) Dispatch(ctx context.Context, c codec.Codec, target, method string, body []byte) (result any, err error) {
	r.mu.RLock()
	actions, ok := r.targets[target]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.New("target not found")
	}
	act, ok := actions[method]
	if !ok {
		return nil, fmt.Errorf("%s not found", method)
	}

	defer func() {
		if p := recover(); p != nil {
			result = nil
			err = fmt.Errorf("%v", p)
		}
	}()
	return act(ctx, c, body)
}
