package omnilib

import (
	"context"
	"errors"
)

// ErrBridgeClosed is returned by Bridge.Next after Close.
var ErrBridgeClosed = errors.New("omnilib: bridge closed")

// PendingRequest is a reverse callback waiting for the host's reply.
type PendingRequest struct {
	Req   string
	reply chan string
}

// Reply answers the request and unblocks the core. Only the first reply counts.
func (p *PendingRequest) Reply(rsp string) {
	select {
	case p.reply <- rsp:
	default:
	}
}

// Bridge is a Handler that hands each reverse callback to a goroutine of the
// host, typically its RPC server, and blocks the calling core thread until
// that goroutine replies.
type Bridge struct {
	requests chan *PendingRequest
	done     chan struct{}
}

// NewBridge creates a Bridge. Install it with Options.Handler or Core.SetHandler.
func NewBridge() *Bridge {
	return &Bridge{
		requests: make(chan *PendingRequest),
		done:     make(chan struct{}),
	}
}

// Requests returns the channel of pending requests.
func (b *Bridge) Requests() <-chan *PendingRequest {
	return b.requests
}

// Next waits for the next request.
func (b *Bridge) Next(ctx context.Context) (*PendingRequest, error) {
	select {
	case p := <-b.requests:
		return p, nil
	case <-b.done:
		return nil, ErrBridgeClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Serve answers requests with h until ctx is done or the bridge is closed.
func (b *Bridge) Serve(ctx context.Context, h Handler) error {
	for {
		p, err := b.Next(ctx)
		if err != nil {
			return err
		}
		p.Reply(h.HandleOmniRequest(p.Req))
	}
}

// HandleOmniRequest implements Handler. After Close it answers with an empty reply.
func (b *Bridge) HandleOmniRequest(req string) string {
	p := &PendingRequest{Req: req, reply: make(chan string, 1)}
	select {
	case b.requests <- p:
	case <-b.done:
		return ""
	}
	select {
	case rsp := <-p.reply:
		return rsp
	case <-b.done:
		return ""
	}
}

// Close releases every blocked callback. It must be called once.
func (b *Bridge) Close() {
	close(b.done)
}
