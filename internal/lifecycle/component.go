// Package lifecycle starts and stops the long-running parts of the serve
// command in dependency order.
package lifecycle

import "context"

// Component is anything the Manager can start and stop.
type Component interface {
	// Start must return once the component is ready. Background work keeps
	// running until Stop.
	Start(ctx context.Context) error

	// Stop releases resources, honouring the context deadline.
	Stop(ctx context.Context) error

	// Name identifies the component in logs. Must not be empty.
	Name() string
}

// Func adapts a pair of functions to a Component.
type Func struct {
	Label   string
	OnStart func(ctx context.Context) error
	OnStop  func(ctx context.Context) error
}

func (f *Func) Start(ctx context.Context) error {
	if f.OnStart == nil {
		return nil
	}
	return f.OnStart(ctx)
}

func (f *Func) Stop(ctx context.Context) error {
	if f.OnStop == nil {
		return nil
	}
	return f.OnStop(ctx)
}

func (f *Func) Name() string { return f.Label }
