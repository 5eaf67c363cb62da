// Package pipeline wires the planner, loaders and repository into the
// long-running per-chain import loops.
package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"beefy-importer/internal/chain"
	"beefy-importer/internal/config"
	"beefy-importer/internal/eventbus"
	"beefy-importer/internal/loader"
	"beefy-importer/internal/planner"
	"beefy-importer/internal/ranges"
	"beefy-importer/internal/repository"
	"beefy-importer/internal/rpc"
	"beefy-importer/internal/stream"
)

// chainPipeline bundles the per-chain moving parts every importer needs.
type chainPipeline struct {
	chain    chain.Chain
	endpoint *rpc.Endpoint
	sctx     *stream.Ctx
	blocks   *loader.BlockReader
}

// Manager owns the recurring import loops and the shared state updater.
type Manager struct {
	cfg      *config.Config
	chains   *chain.Registry
	repo     *repository.Repository
	bus      *eventbus.Bus
	latest   *loader.LatestBlockFetcher
	creation *loader.CreationClient
	prices   *loader.PriceClient
	pipes    map[chain.Chain]*chainPipeline
	log      zerolog.Logger
}

// NewManager dials one sampled RPC endpoint per configured chain and builds
// the import machinery around them.
func NewManager(ctx context.Context, cfg *config.Config, repo *repository.Repository, log zerolog.Logger) (*Manager, error) {
	m := &Manager{
		cfg:      cfg,
		chains:   cfg.Chains(),
		repo:     repo,
		bus:      eventbus.New(),
		latest:   loader.NewLatestBlockFetcher(),
		creation: loader.NewCreationClient(cfg.EtherscanURL, cfg.EtherscanAPIKey, log),
		prices:   loader.NewPriceClient(cfg.PriceAPIBaseURL, log),
		pipes:    make(map[chain.Chain]*chainPipeline),
		log:      log.With().Str("component", "pipeline").Logger(),
	}

	for c, urls := range cfg.RPCURLs {
		if len(urls) == 0 {
			continue
		}
		rawURL := urls[rand.Intn(len(urls))]
		ep, err := rpc.Dial(ctx, c, rawURL, log)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("dial %s endpoint: %w", c, err)
		}
		m.pipes[c] = &chainPipeline{
			chain:    c,
			endpoint: ep,
			sctx: &stream.Ctx{
				Endpoint: ep,
				Stream:   cfg.Stream,
				Log:      log.With().Str("chain", string(c)).Logger(),
			},
			blocks: loader.NewBlockReader(ep.Quirks()),
		}
		m.log.Info().Str("chain", string(c)).Str("endpoint", ep.LoggableURL()).Msg("chain pipeline ready")
	}

	return m, nil
}

// Run starts every recurring loop and blocks until ctx is done or a fatal
// error aborts the run. Transient tick failures are logged and retried on
// the next tick; domain invariant violations abort.
func (m *Manager) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return m.runStateUpdater(gctx) })

	for _, cp := range m.pipes {
		cp := cp
		g.Go(func() error {
			return m.runRecurring(gctx, m.recentInterval(), "recent:"+string(cp.chain), func(tctx context.Context) error {
				return m.importInvestments(tctx, cp, true)
			})
		})
		g.Go(func() error {
			return m.runRecurring(gctx, m.historicalInterval(), "historical:"+string(cp.chain), func(tctx context.Context) error {
				if err := m.importInvestments(tctx, cp, false); err != nil {
					return err
				}
				return m.importShareRates(tctx, cp)
			})
		})
	}

	g.Go(func() error {
		return m.runRecurring(gctx, m.historicalInterval(), "oracle-prices", m.importOraclePrices)
	})

	err := g.Wait()
	m.bus.Close()
	if err != nil && ctx.Err() != nil {
		// Shutdown, not failure.
		return nil
	}
	return err
}

// Close releases the RPC endpoints. The repository is owned by the caller.
func (m *Manager) Close() {
	for _, cp := range m.pipes {
		cp.endpoint.Close()
	}
}

// runRecurring runs tick immediately and then on every interval. An error
// classified fatal stops the whole manager; anything else waits for the next
// tick.
func (m *Manager) runRecurring(ctx context.Context, interval time.Duration, name string, tick func(context.Context) error) error {
	log := m.log.With().Str("loop", name).Logger()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		start := time.Now()
		if err := tick(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if loader.IsDomainInvariant(err) {
				log.Error().Err(err).Msg("domain invariant violated, aborting")
				return err
			}
			log.Error().Err(err).Msg("tick failed")
		} else {
			log.Debug().Dur("took", time.Since(start)).Msg("tick done")
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}

func (m *Manager) recentInterval() time.Duration {
	return time.Duration(m.cfg.RecentIntervalSec) * time.Second
}

func (m *Manager) historicalInterval() time.Duration {
	return time.Duration(m.cfg.HistoricalIntervalSec) * time.Second
}

func (m *Manager) plannerParams(c chain.Chain) planner.Params {
	return planner.Params{
		MaxBlocksPerQuery: m.chains.MaxQueryBlocks(c),
		BlocksPerHour:     m.chains.BlocksIn(c, time.Hour),
		MaxRanges:         m.cfg.MaxRangesPerProductToGenerate,
		MaxDateRangeMs:    m.cfg.PriceDataMaxQueryRangeMs,
	}
}

// publish hands one range outcome to the state updater.
func (m *Manager) publish(ctx context.Context, importKey string, r ranges.Range, success bool) {
	err := m.bus.Publish(ctx, eventbus.RangeResult{
		ImportKey: importKey,
		Range:     r,
		Success:   success,
		At:        time.Now().UTC(),
	})
	if err != nil {
		m.log.Warn().Err(err).Str("import_key", importKey).Msg("dropped range result during shutdown")
	}
}

// runStateUpdater is the single consumer of range results: it batches them
// and folds them into the durable import states.
func (m *Manager) runStateUpdater(ctx context.Context) error {
	sub := m.bus.Subscribe(m.cfg.Stream.DbMaxInputTake)
	groups := stream.BufferTime(ctx, sub, m.cfg.Stream.DbMaxInputWait(), m.cfg.Stream.DbMaxInputTake)

	for group := range groups {
		results := make([]repository.RangeResult, 0, len(group))
		for _, res := range group {
			results = append(results, repository.RangeResult{
				ImportKey: res.ImportKey,
				Range:     res.Range,
				Success:   res.Success,
			})
		}
		if err := m.repo.UpdateImportState(ctx, results, time.Now().UTC()); err != nil {
			// The ranges stay unrecorded: successes will be re-imported
			// idempotently, failures re-planned as primary work.
			m.log.Error().Err(err).Int("results", len(results)).Msg("import state update failed")
		}
	}
	return nil
}
