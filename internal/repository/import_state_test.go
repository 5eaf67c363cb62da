package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"beefy-importer/internal/models"
	"beefy-importer/internal/ranges"
)

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string   { return "dial tcp: i/o timeout" }
func (fakeTimeoutErr) Timeout() bool   { return true }
func (fakeTimeoutErr) Temporary() bool { return true }

func TestIsConnectionTimeout(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "net timeout", err: fakeTimeoutErr{}, want: true},
		{name: "wrapped net timeout", err: fmt.Errorf("lock import states: %w", fakeTimeoutErr{}), want: true},
		{name: "statement timeout", err: errors.New("ERROR: canceling statement due to statement timeout (SQLSTATE 57014)"), want: true},
		{name: "connection reset", err: errors.New("write: connection reset by peer"), want: true},
		{name: "constraint violation", err: errors.New(`ERROR: duplicate key value violates unique constraint "product_product_key_key"`), want: false},
		{name: "marshal failure", err: errors.New("marshal import state product:investment:4: unknown import data type"), want: false},
		{name: "context canceled", err: context.Canceled, want: false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, isConnectionTimeout(tc.err))
		})
	}
}

func TestFoldRangeResultsSkipsUnknownKeys(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	known := models.InvestmentImportKey(1)
	unknown := models.InvestmentImportKey(2)

	states := map[string]models.ImportData{
		known: &models.InvestmentImport{ProductID: 1},
	}
	byKey := map[string][]RangeResult{
		known:   {{ImportKey: known, Range: ranges.Range{From: 100, To: 199}, Success: true}},
		unknown: {{ImportKey: unknown, Range: ranges.Range{From: 300, To: 399}, Success: true}},
	}

	updated, skipped := foldRangeResults(states, []string{known, unknown}, byKey, now)

	// The unknown key is dropped; the known key's results still land.
	require.Equal(t, []string{known}, updated)
	require.Equal(t, []string{unknown}, skipped)

	ir := states[known].ImportRanges()
	require.Equal(t, []ranges.Range{{From: 100, To: 199}}, ir.Covered)
	require.Empty(t, ir.ToRetry)
	require.Equal(t, now, ir.LastImportDate)
}
