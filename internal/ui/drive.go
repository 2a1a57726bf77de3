package ui

import (
	"context"

	"github.com/Aman-CERP/amanrag/internal/reload"
)

// DriveOption adjusts the completion summary.
type DriveOption func(*CompletionStats)

// WithEmbedderInfo adds the embedder to the completion summary.
func WithEmbedderInfo(info EmbedderInfo) DriveOption {
	return func(s *CompletionStats) { s.Embedder = info }
}

// Drive renders an adapter stream and returns its final response. The
// renderer is started and stopped here.
func Drive(ctx context.Context, r Renderer, msgs <-chan reload.Message, opts ...DriveOption) (reload.Response, error) {
	if err := r.Start(ctx); err != nil {
		return reload.Response{}, err
	}
	defer func() { _ = r.Stop() }()

	var resp reload.Response
	for msg := range msgs {
		if msg.Event != nil {
			r.UpdateProgress(EventFrom(*msg.Event))
		}
		if msg.Response != nil {
			resp = *msg.Response
		}
	}
	for _, e := range resp.Errors {
		r.AddError(ErrorEvent{Message: e, IsWarn: resp.Success})
	}
	stats := StatsFrom(resp)
	for _, opt := range opts {
		opt(&stats)
	}
	r.Complete(stats)
	return resp, nil
}
