package worker

import (
	"context"
	"fmt"
)

// Factory spawns the worker variant matching a header's kind.
type Factory struct {
	opts Options
}

// NewFactory returns a Spawner configured with opts.
func NewFactory(opts Options) *Factory {
	return &Factory{opts: opts.withDefaults()}
}

// Spawn implements Spawner.
func (f *Factory) Spawn(ctx context.Context, h Header) (Worker, error) {
	switch h.Kind {
	case KindCheck:
		w, err := SpawnRepl(ctx, h, f.opts)
		if err != nil {
			return nil, err
		}
		return w, nil
	case KindTree:
		w, err := SpawnExporter(ctx, h, f.opts)
		if err != nil {
			return nil, err
		}
		return w, nil
	default:
		return nil, fmt.Errorf("%w: unknown worker kind %q", ErrInitialization, h.Kind)
	}
}

var _ Spawner = (*Factory)(nil)
