package stream

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"beefy-importer/internal/config"
	"beefy-importer/internal/rpc"
)

type nopProvider struct{}

func (nopProvider) Call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	return nil
}

type fakeEndpoint struct {
	limits rpc.Limitations
	gate   *rpc.Gate
}

func (f *fakeEndpoint) Limitations() rpc.Limitations { return f.limits }
func (f *fakeEndpoint) Linear() rpc.Provider         { return nopProvider{} }
func (f *fakeEndpoint) Batch() rpc.Provider          { return nopProvider{} }
func (f *fakeEndpoint) Gate() *rpc.Gate              { return f.gate }

func intp(v int) *int { return &v }

func testCtx(t *testing.T, limits rpc.Limitations) *Ctx {
	t.Helper()
	return &Ctx{
		Endpoint: &fakeEndpoint{
			limits: limits,
			gate:   rpc.GateFor("fake://"+t.Name(), 0, rpc.Classify, zerolog.Nop()),
		},
		Stream: config.StreamConfig{
			MaxInputTake:    100,
			MaxInputWaitMs:  20,
			WorkConcurrency: 4,
			MaxTotalRetryMs: 1000,
		},
		Log: zerolog.Nop(),
	}
}

func TestBatchCapacity(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		limits    rpc.Limitations
		calls     map[string]int
		maxInput  int
		wantSize  int
		wantBatch bool
	}{
		{
			name:      "limit divides by call count",
			limits:    rpc.Limitations{Methods: map[string]*int{"eth_getLogs": intp(10)}},
			calls:     map[string]int{"eth_getLogs": 2},
			maxInput:  100,
			wantSize:  5,
			wantBatch: true,
		},
		{
			name:      "capped by max input take",
			limits:    rpc.Limitations{Methods: map[string]*int{"eth_call": intp(500)}},
			calls:     map[string]int{"eth_call": 1},
			maxInput:  100,
			wantSize:  100,
			wantBatch: true,
		},
		{
			name:      "nil limit disables batching, rate limited endpoint goes one by one",
			limits:    rpc.Limitations{Methods: map[string]*int{"eth_getLogs": nil}, MinDelayBetweenCalls: time.Second},
			calls:     map[string]int{"eth_getLogs": 1},
			maxInput:  100,
			wantSize:  1,
			wantBatch: false,
		},
		{
			name:      "nil limit with no-limit endpoint keeps small groups",
			limits:    rpc.Limitations{Methods: map[string]*int{"eth_getLogs": nil}},
			calls:     map[string]int{"eth_getLogs": 1},
			maxInput:  100,
			wantSize:  10,
			wantBatch: false,
		},
		{
			name:      "tightest method wins",
			limits:    rpc.Limitations{Methods: map[string]*int{"eth_call": intp(100), "eth_getBlockByNumber": intp(6)}},
			calls:     map[string]int{"eth_call": 1, "eth_getBlockByNumber": 2},
			maxInput:  100,
			wantSize:  3,
			wantBatch: true,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			size, useBatch := batchCapacity(tc.limits, tc.calls, tc.maxInput)
			require.Equal(t, tc.wantSize, size)
			require.Equal(t, tc.wantBatch, useBatch)
		})
	}
}

func TestBatchRPCGroupsByMethodLimit(t *testing.T) {
	// 10 items against an endpoint allowing 5 eth_getLogs per batch: the
	// operator must issue two sequential groups of 5.
	sctx := testCtx(t, rpc.Limitations{Methods: map[string]*int{"eth_getLogs": intp(5)}})

	items := make([]int, 10)
	for i := range items {
		items[i] = i
	}

	var groupSizes []int
	out := BatchRPC(context.Background(), sctx, FromSlice(context.Background(), items),
		BatchRPCOpts[int, int, string, string]{
			GetQuery:         func(v int) int { return v },
			RPCCallsPerQuery: map[string]int{"eth_getLogs": 1},
			ProcessBatch: func(ctx context.Context, provider rpc.Provider, queries []int) (map[int]string, error) {
				groupSizes = append(groupSizes, len(queries))
				res := make(map[int]string, len(queries))
				for _, q := range queries {
					res[q] = fmt.Sprintf("r%d", q)
				}
				return res, nil
			},
			FormatOutput: func(v int, r string) string { return r },
			EmitError:    func(int, error) { t.Errorf("unexpected error emission") },
		})

	results := Collect(out)
	require.Len(t, results, 10)
	require.Equal(t, []int{5, 5}, groupSizes)
}

// Property: for every input item, exactly one output is emitted or EmitError
// is invoked exactly once.
func TestBatchRPCTotality(t *testing.T) {
	sctx := testCtx(t, rpc.Limitations{Methods: map[string]*int{"eth_call": intp(3)}})

	items := make([]int, 20)
	for i := range items {
		items[i] = i
	}

	batchNo := 0
	emitted := map[int]int{}
	out := BatchRPC(context.Background(), sctx, FromSlice(context.Background(), items),
		BatchRPCOpts[int, int, int, int]{
			GetQuery:         func(v int) int { return v },
			RPCCallsPerQuery: map[string]int{"eth_call": 1},
			ProcessBatch: func(ctx context.Context, provider rpc.Provider, queries []int) (map[int]int, error) {
				batchNo++
				if batchNo%2 == 0 {
					// Whole-batch terminal failure.
					return nil, errors.New("invalid argument: boom")
				}
				res := make(map[int]int, len(queries))
				for _, q := range queries {
					res[q] = q * 2
				}
				return res, nil
			},
			FormatOutput: func(v int, r int) int { return r },
			EmitError: func(v int, err error) {
				emitted[v]++
			},
		})

	outputs := Collect(out)

	seen := map[int]int{}
	for _, o := range outputs {
		seen[o/2]++
	}
	for _, v := range items {
		require.Equal(t, 1, seen[v]+emitted[v], "item %d must appear exactly once across outputs and errors", v)
	}
}

func TestBatchRPCSharedQueryResult(t *testing.T) {
	sctx := testCtx(t, rpc.Limitations{Methods: map[string]*int{"eth_call": intp(100)}})

	// Two items mapping to the same query share one result.
	var queryCount int
	out := BatchRPC(context.Background(), sctx, FromSlice(context.Background(), []int{7, 7}),
		BatchRPCOpts[int, int, int, int]{
			GetQuery:         func(v int) int { return v },
			RPCCallsPerQuery: map[string]int{"eth_call": 1},
			ProcessBatch: func(ctx context.Context, provider rpc.Provider, queries []int) (map[int]int, error) {
				queryCount = len(queries)
				return map[int]int{7: 70}, nil
			},
			FormatOutput: func(v int, r int) int { return r },
			EmitError:    func(int, error) {},
		})

	require.Equal(t, []int{70, 70}, Collect(out))
	require.Equal(t, 1, queryCount)
}

func TestBatchRPCMissingResultPanics(t *testing.T) {
	t.Parallel()

	opts := BatchRPCOpts[int, int, int, int]{
		GetQuery:     func(v int) int { return v },
		FormatOutput: func(v int, r int) int { return r },
	}

	require.Panics(t, func() {
		associateResults([]int{1}, map[int]int{}, opts)
	})

	// A complete result map associates cleanly.
	require.Equal(t, []int{10}, associateResults([]int{1}, map[int]int{1: 10}, opts))
}
