package models

import (
	"encoding/json"
	"fmt"
	"time"

	"beefy-importer/internal/chain"
	"beefy-importer/internal/ranges"
)

// ImportRanges tracks which intervals of an import are done and which failed
// and await a retry. Covered is kept merged and sorted; ToRetry never
// overlaps Covered.
type ImportRanges struct {
	Covered        []ranges.Range
	ToRetry        []ranges.Range
	LastImportDate time.Time
}

// Update folds one import round into the range set:
//
//	covered'  = merge(covered ∪ newCovered)
//	toRetry'  = merge((toRetry ∪ failed) \ success) \ covered'
//
// The final subtraction keeps ToRetry disjoint from Covered even when a
// caller marks a range covered without listing it as a success.
func (ir ImportRanges) Update(alg ranges.Algebra, newCovered, success, failed []ranges.Range, now time.Time) ImportRanges {
	covered := make([]ranges.Range, 0, len(ir.Covered)+len(newCovered))
	covered = append(covered, ir.Covered...)
	covered = append(covered, newCovered...)
	mergedCovered := alg.Merge(covered)

	retry := make([]ranges.Range, 0, len(ir.ToRetry)+len(failed))
	retry = append(retry, ir.ToRetry...)
	retry = append(retry, failed...)
	mergedRetry := alg.Exclude(alg.Merge(retry), success)
	mergedRetry = alg.Exclude(mergedRetry, mergedCovered)

	out := ImportRanges{
		Covered:        mergedCovered,
		ToRetry:        alg.Merge(mergedRetry),
		LastImportDate: now.UTC(),
	}
	return out
}

// ImportData is the tagged payload of an import_state row. The tag drives
// range hydration: block numbers for product imports, dates for oracle
// prices.
type ImportData interface {
	ImportType() string
	RangeAlgebra() ranges.Algebra
	ImportRanges() *ImportRanges
}

const (
	ImportTypeInvestment = "product:investment"
	ImportTypeShareRate  = "product:share-rate"
	ImportTypeOracle     = "oracle:price"
)

// ImportState is one durable import_state row.
type ImportState struct {
	ImportKey string
	Data      ImportData
}

// InvestmentImport tracks ERC-20 transfer coverage for one product.
type InvestmentImport struct {
	ProductID              int64
	Chain                  chain.Chain
	ContractCreatedAtBlock int64
	ContractCreationDate   time.Time
	ChainLatestBlockNumber int64
	Ranges                 ImportRanges
}

func (d *InvestmentImport) ImportType() string           { return ImportTypeInvestment }
func (d *InvestmentImport) RangeAlgebra() ranges.Algebra { return ranges.Blocks }
func (d *InvestmentImport) ImportRanges() *ImportRanges  { return &d.Ranges }

// ShareRateImport tracks PPFS snapshot coverage for one product's feed.
type ShareRateImport struct {
	PriceFeedID            int64
	ProductID              int64
	Chain                  chain.Chain
	ContractCreatedAtBlock int64
	ContractCreationDate   time.Time
	ChainLatestBlockNumber int64
	Ranges                 ImportRanges
}

func (d *ShareRateImport) ImportType() string           { return ImportTypeShareRate }
func (d *ShareRateImport) RangeAlgebra() ranges.Algebra { return ranges.Blocks }
func (d *ShareRateImport) ImportRanges() *ImportRanges  { return &d.Ranges }

// OraclePriceImport tracks off-chain price coverage for one feed, over date
// ranges.
type OraclePriceImport struct {
	PriceFeedID int64
	FirstDate   time.Time
	Ranges      ImportRanges
}

func (d *OraclePriceImport) ImportType() string           { return ImportTypeOracle }
func (d *OraclePriceImport) RangeAlgebra() ranges.Algebra { return ranges.Dates }
func (d *OraclePriceImport) ImportRanges() *ImportRanges  { return &d.Ranges }

// Import keys are stable text identifiers, e.g. "product:investment:42".

func InvestmentImportKey(productID int64) string {
	return fmt.Sprintf("%s:%d", ImportTypeInvestment, productID)
}

func ShareRateImportKey(priceFeedID int64) string {
	return fmt.Sprintf("%s:%d", ImportTypeShareRate, priceFeedID)
}

func OracleImportKey(priceFeedID int64) string {
	return fmt.Sprintf("%s:%d", ImportTypeOracle, priceFeedID)
}

// --- jsonb (de)serialization ---

type blockRangeJSON struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

type dateRangeJSON struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

type blockRangesJSON struct {
	Covered        []blockRangeJSON `json:"coveredRanges"`
	ToRetry        []blockRangeJSON `json:"toRetry"`
	LastImportDate time.Time        `json:"lastImportDate"`
}

type dateRangesJSON struct {
	Covered        []dateRangeJSON `json:"coveredRanges"`
	ToRetry        []dateRangeJSON `json:"toRetry"`
	LastImportDate time.Time       `json:"lastImportDate"`
}

func blockRangesOut(ir ImportRanges) blockRangesJSON {
	out := blockRangesJSON{
		Covered:        make([]blockRangeJSON, 0, len(ir.Covered)),
		ToRetry:        make([]blockRangeJSON, 0, len(ir.ToRetry)),
		LastImportDate: ir.LastImportDate,
	}
	for _, r := range ir.Covered {
		out.Covered = append(out.Covered, blockRangeJSON{From: r.From, To: r.To})
	}
	for _, r := range ir.ToRetry {
		out.ToRetry = append(out.ToRetry, blockRangeJSON{From: r.From, To: r.To})
	}
	return out
}

func blockRangesIn(j blockRangesJSON) ImportRanges {
	ir := ImportRanges{LastImportDate: j.LastImportDate}
	for _, r := range j.Covered {
		ir.Covered = append(ir.Covered, ranges.Range{From: r.From, To: r.To})
	}
	for _, r := range j.ToRetry {
		ir.ToRetry = append(ir.ToRetry, ranges.Range{From: r.From, To: r.To})
	}
	return ir
}

func dateRangesOut(ir ImportRanges) dateRangesJSON {
	out := dateRangesJSON{
		Covered:        make([]dateRangeJSON, 0, len(ir.Covered)),
		ToRetry:        make([]dateRangeJSON, 0, len(ir.ToRetry)),
		LastImportDate: ir.LastImportDate,
	}
	for _, r := range ir.Covered {
		out.Covered = append(out.Covered, dateRangeJSON{From: ranges.ToTime(r.From), To: ranges.ToTime(r.To)})
	}
	for _, r := range ir.ToRetry {
		out.ToRetry = append(out.ToRetry, dateRangeJSON{From: ranges.ToTime(r.From), To: ranges.ToTime(r.To)})
	}
	return out
}

func dateRangesIn(j dateRangesJSON) ImportRanges {
	ir := ImportRanges{LastImportDate: j.LastImportDate}
	for _, r := range j.Covered {
		ir.Covered = append(ir.Covered, ranges.DateRange(r.From, r.To))
	}
	for _, r := range j.ToRetry {
		ir.ToRetry = append(ir.ToRetry, ranges.DateRange(r.From, r.To))
	}
	return ir
}

type investmentImportJSON struct {
	Type                   string          `json:"type"`
	ProductID              int64           `json:"productId"`
	Chain                  chain.Chain     `json:"chain"`
	ContractCreatedAtBlock int64           `json:"contractCreatedAtBlock"`
	ContractCreationDate   time.Time       `json:"contractCreationDate"`
	ChainLatestBlockNumber int64           `json:"chainLatestBlockNumber"`
	Ranges                 blockRangesJSON `json:"ranges"`
}

type shareRateImportJSON struct {
	Type                   string          `json:"type"`
	PriceFeedID            int64           `json:"priceFeedId"`
	ProductID              int64           `json:"productId"`
	Chain                  chain.Chain     `json:"chain"`
	ContractCreatedAtBlock int64           `json:"contractCreatedAtBlock"`
	ContractCreationDate   time.Time       `json:"contractCreationDate"`
	ChainLatestBlockNumber int64           `json:"chainLatestBlockNumber"`
	Ranges                 blockRangesJSON `json:"ranges"`
}

type oracleImportJSON struct {
	Type        string         `json:"type"`
	PriceFeedID int64          `json:"priceFeedId"`
	FirstDate   time.Time      `json:"firstDate"`
	Ranges      dateRangesJSON `json:"ranges"`
}

// MarshalImportData serializes an import payload to its jsonb form.
func MarshalImportData(d ImportData) ([]byte, error) {
	switch v := d.(type) {
	case *InvestmentImport:
		return json.Marshal(investmentImportJSON{
			Type:                   v.ImportType(),
			ProductID:              v.ProductID,
			Chain:                  v.Chain,
			ContractCreatedAtBlock: v.ContractCreatedAtBlock,
			ContractCreationDate:   v.ContractCreationDate,
			ChainLatestBlockNumber: v.ChainLatestBlockNumber,
			Ranges:                 blockRangesOut(v.Ranges),
		})
	case *ShareRateImport:
		return json.Marshal(shareRateImportJSON{
			Type:                   v.ImportType(),
			PriceFeedID:            v.PriceFeedID,
			ProductID:              v.ProductID,
			Chain:                  v.Chain,
			ContractCreatedAtBlock: v.ContractCreatedAtBlock,
			ContractCreationDate:   v.ContractCreationDate,
			ChainLatestBlockNumber: v.ChainLatestBlockNumber,
			Ranges:                 blockRangesOut(v.Ranges),
		})
	case *OraclePriceImport:
		return json.Marshal(oracleImportJSON{
			Type:        v.ImportType(),
			PriceFeedID: v.PriceFeedID,
			FirstDate:   v.FirstDate,
			Ranges:      dateRangesOut(v.Ranges),
		})
	default:
		return nil, fmt.Errorf("unknown import data type %T", d)
	}
}

// UnmarshalImportData hydrates an import payload, dispatching range decoding
// on the type tag.
func UnmarshalImportData(raw []byte) (ImportData, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &tag); err != nil {
		return nil, fmt.Errorf("decode import data tag: %w", err)
	}

	switch tag.Type {
	case ImportTypeInvestment:
		var j investmentImportJSON
		if err := json.Unmarshal(raw, &j); err != nil {
			return nil, fmt.Errorf("decode %s: %w", tag.Type, err)
		}
		return &InvestmentImport{
			ProductID:              j.ProductID,
			Chain:                  j.Chain,
			ContractCreatedAtBlock: j.ContractCreatedAtBlock,
			ContractCreationDate:   j.ContractCreationDate,
			ChainLatestBlockNumber: j.ChainLatestBlockNumber,
			Ranges:                 blockRangesIn(j.Ranges),
		}, nil
	case ImportTypeShareRate:
		var j shareRateImportJSON
		if err := json.Unmarshal(raw, &j); err != nil {
			return nil, fmt.Errorf("decode %s: %w", tag.Type, err)
		}
		return &ShareRateImport{
			PriceFeedID:            j.PriceFeedID,
			ProductID:              j.ProductID,
			Chain:                  j.Chain,
			ContractCreatedAtBlock: j.ContractCreatedAtBlock,
			ContractCreationDate:   j.ContractCreationDate,
			ChainLatestBlockNumber: j.ChainLatestBlockNumber,
			Ranges:                 blockRangesIn(j.Ranges),
		}, nil
	case ImportTypeOracle:
		var j oracleImportJSON
		if err := json.Unmarshal(raw, &j); err != nil {
			return nil, fmt.Errorf("decode %s: %w", tag.Type, err)
		}
		return &OraclePriceImport{
			PriceFeedID: j.PriceFeedID,
			FirstDate:   j.FirstDate,
			Ranges:      dateRangesIn(j.Ranges),
		}, nil
	default:
		return nil, fmt.Errorf("unknown import data type %q", tag.Type)
	}
}
