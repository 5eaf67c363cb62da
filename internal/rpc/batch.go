package rpc

import (
	"context"
	"sync"
	"time"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
)

// Provider issues JSON-RPC calls. Implementations are safe for concurrent
// use; the linear provider serializes callers internally, the batch provider
// coalesces them into one POST.
type Provider interface {
	Call(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// coalesceWindow is how long the batch provider waits for more requests
// before flushing a batch.
const coalesceWindow = 10 * time.Millisecond

// flushTimeout bounds one batch POST.
const flushTimeout = 60 * time.Second

type linearProvider struct {
	client *gethrpc.Client
	mu     sync.Mutex
}

func (p *linearProvider) Call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client.CallContext(ctx, result, method, args...)
}

type pendingCall struct {
	elem gethrpc.BatchElem
	done chan error
}

// batchProvider aggregates calls arriving within coalesceWindow into a
// single JSON-RPC batch. Each response element is routed to exactly the
// caller that enqueued it; a batch-level error (including a non-array
// response payload) fans out to every pending caller.
type batchProvider struct {
	client *gethrpc.Client
	window time.Duration
	log    zerolog.Logger

	mu         sync.Mutex
	pending    []*pendingCall
	flushTimer *time.Timer
}

func newBatchProvider(client *gethrpc.Client, log zerolog.Logger) *batchProvider {
	return &batchProvider{client: client, window: coalesceWindow, log: log}
}

func (p *batchProvider) Call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	pc := &pendingCall{
		elem: gethrpc.BatchElem{Method: method, Args: args, Result: result},
		done: make(chan error, 1),
	}

	p.mu.Lock()
	p.pending = append(p.pending, pc)
	if p.flushTimer == nil {
		p.flushTimer = time.AfterFunc(p.window, p.flush)
	}
	p.mu.Unlock()

	select {
	case err := <-pc.done:
		return err
	case <-ctx.Done():
		// The flusher may still deliver; the buffered channel keeps it from
		// blocking. The caller stops waiting.
		return ctx.Err()
	}
}

func (p *batchProvider) flush() {
	p.mu.Lock()
	batch := p.pending
	p.pending = nil
	p.flushTimer = nil
	p.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	elems := make([]gethrpc.BatchElem, len(batch))
	for i, pc := range batch {
		elems[i] = pc.elem
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if err := p.client.BatchCallContext(ctx, elems); err != nil {
		p.log.Debug().Err(err).Int("batch_size", len(batch)).Msg("batch call failed, fanning out")
		for _, pc := range batch {
			pc.done <- err
		}
		return
	}

	for i, pc := range batch {
		pc.done <- elems[i].Error
	}
}
