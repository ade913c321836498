package broadcast

import (
	"context"

	"github.com/evebus/eve/internal/event"
)

// Handle is an in-process connection to a Broadcaster under a fixed caller
// identity, the local counterpart of an rpc.Client.
type Handle struct {
	b      *Broadcaster
	caller string
}

// Bind returns a Handle that calls b as caller.
func (b *Broadcaster) Bind(caller string) *Handle {
	return &Handle{b: b, caller: caller}
}

func (h *Handle) Join(ctx context.Context) (string, error) {
	return h.b.Join(h.caller)
}

func (h *Handle) InitialFiles(ctx context.Context) ([]string, error) {
	return h.b.InitialFiles(), nil
}

func (h *Handle) InitialFile(ctx context.Context, path string) ([]byte, bool, error) {
	data, ok := h.b.InitialFile(path)
	return data, ok, nil
}

func (h *Handle) Publish(ctx context.Context, payload string) (int, error) {
	e, err := h.b.Publish(ctx, h.caller, payload)
	if err != nil {
		return 0, err
	}
	return e.Index, nil
}

func (h *Handle) Poll(ctx context.Context, last *event.Event) ([]event.Event, error) {
	return h.b.Poll(ctx, h.caller, last)
}

func (h *Handle) Leave(ctx context.Context) error {
	return h.b.Leave(ctx, h.caller)
}

func (h *Handle) Close() error {
	return nil
}
