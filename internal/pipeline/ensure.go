package pipeline

import (
	"context"
	"fmt"
	"time"

	"beefy-importer/internal/models"
)

// Oracle feeds have no contract creation to anchor on; price history starts
// no earlier than the platform itself.
var defaultOracleFirstDate = time.Date(2020, 10, 1, 0, 0, 0, 0, time.UTC)

// ensureInvestmentStates fetches the investment import states of the given
// products, creating missing ones from a contract-creation lookup. A product
// whose lookup fails maps to nil and is skipped until the next tick.
func (m *Manager) ensureInvestmentStates(ctx context.Context, cp *chainPipeline, products []*models.Product) (map[string]*models.ImportState, error) {
	keys := make([]string, 0, len(products))
	for _, p := range products {
		keys = append(keys, models.InvestmentImportKey(p.ProductID))
	}

	states, err := m.repo.FetchImportStates(ctx, keys)
	if err != nil {
		return nil, err
	}

	for _, p := range products {
		key := models.InvestmentImportKey(p.ProductID)
		if states[key] != nil {
			continue
		}

		creation, err := m.creation.FetchContractCreation(ctx, cp.chain, p.ContractAddress())
		if err != nil {
			m.log.Warn().Err(err).Str("product", p.ProductKey).Msg("contract creation lookup failed, skipping this tick")
			continue
		}

		st := &models.ImportState{
			ImportKey: key,
			Data: &models.InvestmentImport{
				ProductID:              p.ProductID,
				Chain:                  p.Chain,
				ContractCreatedAtBlock: creation.BlockNumber,
				ContractCreationDate:   creation.Datetime,
			},
		}
		if err := m.repo.UpsertImportState(ctx, st); err != nil {
			return nil, fmt.Errorf("create import state %s: %w", key, err)
		}
		states[key] = st
	}
	return states, nil
}

// ensureShareRateStates creates missing share-rate states, anchored on the
// product's investment state when one exists (same contract, same creation
// block) and on a fresh lookup otherwise.
func (m *Manager) ensureShareRateStates(ctx context.Context, cp *chainPipeline, products []*models.Product, investmentStates map[string]*models.ImportState) (map[string]*models.ImportState, error) {
	keys := make([]string, 0, len(products))
	for _, p := range products {
		keys = append(keys, models.ShareRateImportKey(p.PriceFeedID))
	}

	states, err := m.repo.FetchImportStates(ctx, keys)
	if err != nil {
		return nil, err
	}

	for _, p := range products {
		key := models.ShareRateImportKey(p.PriceFeedID)
		if states[key] != nil {
			continue
		}

		var createdAtBlock int64
		var createdAt time.Time
		if inv := investmentStates[models.InvestmentImportKey(p.ProductID)]; inv != nil {
			data := inv.Data.(*models.InvestmentImport)
			createdAtBlock, createdAt = data.ContractCreatedAtBlock, data.ContractCreationDate
		} else {
			creation, err := m.creation.FetchContractCreation(ctx, cp.chain, p.ContractAddress())
			if err != nil {
				m.log.Warn().Err(err).Str("product", p.ProductKey).Msg("contract creation lookup failed, skipping this tick")
				continue
			}
			createdAtBlock, createdAt = creation.BlockNumber, creation.Datetime
		}

		st := &models.ImportState{
			ImportKey: key,
			Data: &models.ShareRateImport{
				PriceFeedID:            p.PriceFeedID,
				ProductID:              p.ProductID,
				Chain:                  p.Chain,
				ContractCreatedAtBlock: createdAtBlock,
				ContractCreationDate:   createdAt,
			},
		}
		if err := m.repo.UpsertImportState(ctx, st); err != nil {
			return nil, fmt.Errorf("create import state %s: %w", key, err)
		}
		states[key] = st
	}
	return states, nil
}

// ensureOracleStates creates missing oracle price states with the default
// first date.
func (m *Manager) ensureOracleStates(ctx context.Context, feeds []*models.PriceFeed) (map[string]*models.ImportState, error) {
	keys := make([]string, 0, len(feeds))
	for _, f := range feeds {
		keys = append(keys, models.OracleImportKey(f.PriceFeedID))
	}

	states, err := m.repo.FetchImportStates(ctx, keys)
	if err != nil {
		return nil, err
	}

	for _, f := range feeds {
		key := models.OracleImportKey(f.PriceFeedID)
		if states[key] != nil {
			continue
		}

		st := &models.ImportState{
			ImportKey: key,
			Data: &models.OraclePriceImport{
				PriceFeedID: f.PriceFeedID,
				FirstDate:   defaultOracleFirstDate,
			},
		}
		if err := m.repo.UpsertImportState(ctx, st); err != nil {
			return nil, fmt.Errorf("create import state %s: %w", key, err)
		}
		states[key] = st
	}
	return states, nil
}
