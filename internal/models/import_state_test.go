package models

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"beefy-importer/internal/ranges"
)

func TestImportRangesUpdate(t *testing.T) {
	t.Parallel()

	now := time.Date(2022, 9, 1, 0, 0, 0, 0, time.UTC)

	ir := ImportRanges{}
	ir = ir.Update(ranges.Blocks,
		[]ranges.Range{{From: 900, To: 950}}, // covered
		[]ranges.Range{{From: 900, To: 950}}, // success
		nil,                                  // failed
		now)
	require.Equal(t, []ranges.Range{{From: 900, To: 950}}, ir.Covered)
	require.Empty(t, ir.ToRetry)

	// A failed range lands in ToRetry.
	ir = ir.Update(ranges.Blocks, nil, nil, []ranges.Range{{From: 960, To: 999}}, now)
	require.Equal(t, []ranges.Range{{From: 960, To: 999}}, ir.ToRetry)

	// Once the same range succeeds it leaves ToRetry and joins Covered.
	ir = ir.Update(ranges.Blocks,
		[]ranges.Range{{From: 951, To: 999}},
		[]ranges.Range{{From: 960, To: 999}},
		nil, now)
	require.Equal(t, []ranges.Range{{From: 900, To: 999}}, ir.Covered)
	require.Empty(t, ir.ToRetry)
}

// Property: for any sequence of updates, Covered stays merged and sorted and
// ToRetry never overlaps it.
func TestImportRangesUpdateInvariants(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(1))
	now := time.Now()

	randRanges := func() []ranges.Range {
		var rs []ranges.Range
		for i := 0; i < rng.Intn(4); i++ {
			from := int64(rng.Intn(2000))
			rs = append(rs, ranges.Range{From: from, To: from + int64(rng.Intn(200))})
		}
		return rs
	}

	for trial := 0; trial < 100; trial++ {
		ir := ImportRanges{}
		for step := 0; step < 20; step++ {
			ir = ir.Update(ranges.Blocks, randRanges(), randRanges(), randRanges(), now)

			for i := 1; i < len(ir.Covered); i++ {
				prev, cur := ir.Covered[i-1], ir.Covered[i]
				require.Less(t, prev.From, cur.From, "covered not sorted")
				require.Less(t, prev.To+1, cur.From, "covered not merged")
			}
			for _, retry := range ir.ToRetry {
				for _, cov := range ir.Covered {
					require.False(t, ranges.Blocks.Overlaps(retry, cov),
						"toRetry %v overlaps covered %v", retry, cov)
				}
			}
		}
	}
}

func TestImportDataTagDispatch(t *testing.T) {
	t.Parallel()

	creation := time.Date(2021, 5, 12, 8, 30, 0, 0, time.UTC)
	inv := &InvestmentImport{
		ProductID:              42,
		Chain:                  "fantom",
		ContractCreatedAtBlock: 900,
		ContractCreationDate:   creation,
		ChainLatestBlockNumber: 1000,
		Ranges: ImportRanges{
			Covered:        []ranges.Range{{From: 900, To: 950}},
			ToRetry:        []ranges.Range{{From: 960, To: 970}},
			LastImportDate: creation,
		},
	}

	raw, err := MarshalImportData(inv)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"type":"product:investment"`)

	back, err := UnmarshalImportData(raw)
	require.NoError(t, err)
	require.Equal(t, inv, back)

	// Oracle payloads hydrate date ranges from RFC3339 endpoints.
	oracle := &OraclePriceImport{
		PriceFeedID: 7,
		FirstDate:   creation,
		Ranges: ImportRanges{
			Covered:        []ranges.Range{ranges.DateRange(creation, creation.Add(time.Hour))},
			LastImportDate: creation,
		},
	}
	raw, err = MarshalImportData(oracle)
	require.NoError(t, err)
	back, err = UnmarshalImportData(raw)
	require.NoError(t, err)
	require.Equal(t, oracle.Ranges.Covered, back.(*OraclePriceImport).Ranges.Covered)

	_, err = UnmarshalImportData([]byte(`{"type":"bogus"}`))
	require.Error(t, err)
}
