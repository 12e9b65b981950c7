package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relay-dev/relay/internal/protocol"
)

var (
	// ErrRequestTimeout completes a pending request whose reply never arrived.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrRequestCancelled completes pending requests orphaned by tunnel loss.
	ErrRequestCancelled = errors.New("request cancelled: tunnel disconnected")
)

// UpstreamError carries an ERROR envelope received from the tunnel client.
type UpstreamError struct {
	Code    protocol.ErrorCode
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error %s: %s", e.Code, e.Message)
}

// PendingRequest is the one-shot completion awaited by the HTTP routing side
// while the tunnel client replays the request. Response, error, timeout, and
// tunnel-loss cancellation race to complete it; the first writer wins and
// later writers are noops.
type PendingRequest struct {
	CorrelationID string
	Subdomain     string

	once  sync.Once
	done  chan struct{}
	resp  *protocol.ResponsePayload
	err   error
	timer *time.Timer
}

func newPendingRequest(subdomain, correlationID string) *PendingRequest {
	return &PendingRequest{
		CorrelationID: correlationID,
		Subdomain:     subdomain,
		done:          make(chan struct{}),
	}
}

// startTimeout arms the timeout that fails the request with ErrRequestTimeout.
// A completion from any other path cancels the timer; a timer that fires
// after completion is a noop.
func (p *PendingRequest) startTimeout(d time.Duration) {
	p.timer = time.AfterFunc(d, func() {
		p.fail(ErrRequestTimeout)
	})
}

func (p *PendingRequest) complete(resp *protocol.ResponsePayload) bool {
	return p.settle(resp, nil)
}

func (p *PendingRequest) fail(err error) bool {
	return p.settle(nil, err)
}

func (p *PendingRequest) settle(resp *protocol.ResponsePayload, err error) bool {
	won := false
	p.once.Do(func() {
		p.resp = resp
		p.err = err
		if p.timer != nil {
			p.timer.Stop()
		}
		close(p.done)
		won = true
	})
	return won
}

// Wait blocks until the request reaches a terminal state or ctx is done.
func (p *PendingRequest) Wait(ctx context.Context) (*protocol.ResponsePayload, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return p.resp, p.err
	}
}
