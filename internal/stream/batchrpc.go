package stream

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"beefy-importer/internal/config"
	"beefy-importer/internal/rpc"
)

// Endpoint is the slice of the transport adapter the operators need.
// *rpc.Endpoint satisfies it.
type Endpoint interface {
	Limitations() rpc.Limitations
	Linear() rpc.Provider
	Batch() rpc.Provider
	Gate() *rpc.Gate
}

// Ctx carries what every operator of one pipeline run shares: the RPC
// endpoint, the stream tuning and a logger.
type Ctx struct {
	Endpoint Endpoint
	Stream   config.StreamConfig
	Log      zerolog.Logger
}

// BatchRPCOpts wires one batch-RPC stage.
//
// GetQuery extracts the RPC query for an item; ProcessBatch executes a group
// of queries against a provider and returns a result per query;
// RPCCallsPerQuery declares how many calls of each JSON-RPC method one query
// costs, which sizes the batches against the endpoint's limits.
type BatchRPCOpts[TObj any, Q comparable, R any, TOut any] struct {
	GetQuery         func(TObj) Q
	ProcessBatch     func(ctx context.Context, provider rpc.Provider, queries []Q) (map[Q]R, error)
	RPCCallsPerQuery map[string]int
	FormatOutput     func(TObj, R) TOut
	// EmitError receives every item of a group that failed terminally. The
	// item is dropped downstream.
	EmitError func(TObj, error)
}

// batchCapacity derives how many input items one batch may carry. Any
// non-batchable method disables the batch provider: the group then runs
// against the linear provider, one item at a time when the endpoint is
// rate-limited, or in small groups when it declares no-limit.
func batchCapacity(limits rpc.Limitations, callsPerQuery map[string]int, maxInputObjs int) (int, bool) {
	size := maxInputObjs
	useBatch := true
	for method, count := range callsPerQuery {
		if count <= 0 {
			continue
		}
		limit, batchable := limits.MethodLimit(method)
		if !batchable {
			useBatch = false
			break
		}
		if c := limit / count; c < size {
			size = c
		}
	}
	if !useBatch {
		if limits.MinDelayBetweenCalls == 0 {
			size = maxInputObjs / 10
		} else {
			size = 1
		}
	}
	if size < 1 {
		size = 1
	}
	return size, useBatch
}

// BatchRPC is the central operator: it groups upstream items, picks the
// linear or batch transport based on the endpoint's declared limits, runs
// the group through the rate-limited gate, and re-associates results with
// items. For every input item, exactly one of the following happens: one
// output is emitted, or EmitError is invoked once.
func BatchRPC[TObj any, Q comparable, R any, TOut any](
	ctx context.Context,
	sctx *Ctx,
	in <-chan TObj,
	opts BatchRPCOpts[TObj, Q, R, TOut],
) <-chan TOut {
	limits := sctx.Endpoint.Limitations()
	size, useBatch := batchCapacity(limits, opts.RPCCallsPerQuery, sctx.Stream.MaxInputTake)

	groups := BufferTime(ctx, in, sctx.Stream.MaxInputWait(), size)
	out := make(chan TOut)

	go func() {
		defer close(out)
		for group := range groups {
			// Dedupe queries: several items may map to the same query and
			// must share its result.
			seen := make(map[Q]struct{}, len(group))
			queries := make([]Q, 0, len(group))
			for _, item := range group {
				q := opts.GetQuery(item)
				if _, ok := seen[q]; ok {
					continue
				}
				seen[q] = struct{}{}
				queries = append(queries, q)
			}

			provider := sctx.Endpoint.Linear()
			if useBatch {
				provider = sctx.Endpoint.Batch()
			}

			var results map[Q]R
			err := sctx.Endpoint.Gate().Call(ctx, sctx.Stream.MaxTotalRetry(), func(cctx context.Context) error {
				var perr error
				results, perr = opts.ProcessBatch(cctx, provider, queries)
				return perr
			})
			if err != nil {
				for _, item := range group {
					opts.EmitError(item, err)
				}
				continue
			}

			for _, formatted := range associateResults(group, results, opts) {
				select {
				case out <- formatted:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

// associateResults looks up each item's result in the returned map. A
// submitted query with no result is a wiring bug, not a transient condition:
// fail fast rather than lose data silently.
func associateResults[TObj any, Q comparable, R any, TOut any](
	group []TObj,
	results map[Q]R,
	opts BatchRPCOpts[TObj, Q, R, TOut],
) []TOut {
	out := make([]TOut, 0, len(group))
	for _, item := range group {
		q := opts.GetQuery(item)
		res, ok := results[q]
		if !ok {
			panic(&rpc.ProgrammerError{
				Msg: fmt.Sprintf("batch result missing for query %v", q),
			})
		}
		out = append(out, opts.FormatOutput(item, res))
	}
	return out
}
