package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"beefy-importer/internal/models"
	"beefy-importer/internal/ranges"
)

func TestBuildImportStatus(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	st := &models.ImportState{
		ImportKey: "product:investment:7",
		Data: &models.InvestmentImport{
			ProductID: 7,
			Ranges: models.ImportRanges{
				Covered:        []ranges.Range{{From: 100, To: 199}, {From: 300, To: 349}},
				ToRetry:        []ranges.Range{{From: 200, To: 210}},
				LastImportDate: now,
			},
		},
	}

	got := buildImportStatus(st, false)
	require.Equal(t, "product:investment:7", got.ImportKey)
	require.Equal(t, models.ImportTypeInvestment, got.Type)
	require.Equal(t, 2, got.CoveredSpans)
	require.EqualValues(t, 150, got.CoveredTotal)
	require.Equal(t, 1, got.RetryCount)
	require.Equal(t, now, got.LastImportDate)
	require.Nil(t, got.Covered)

	withRanges := buildImportStatus(st, true)
	require.Len(t, withRanges.Covered, 2)
	require.Len(t, withRanges.ToRetry, 1)
}
