package bridge

import (
	"context"

	"github.com/nerrad567/loxone2mqtt/internal/adaptor"
)

// StateSink receives every status record after it has been published.
type StateSink interface {
	WriteState(ctx context.Context, u adaptor.StateUpdate) error
}

// SinkFunc adapts a function to a StateSink.
type SinkFunc func(ctx context.Context, u adaptor.StateUpdate) error

// WriteState calls f(ctx, u).
func (f SinkFunc) WriteState(ctx context.Context, u adaptor.StateUpdate) error {
	return f(ctx, u)
}
