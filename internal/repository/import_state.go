package repository

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"

	"beefy-importer/internal/models"
	"beefy-importer/internal/ranges"
)

const updateStateMaxAttempts = 10

// FetchImportStates reads the given keys in one round trip. Keys with no row
// map to a nil entry so callers can tell "absent" from "not requested".
func (r *Repository) FetchImportStates(ctx context.Context, keys []string) (map[string]*models.ImportState, error) {
	out := make(map[string]*models.ImportState, len(keys))
	for _, k := range keys {
		out[k] = nil
	}
	if len(keys) == 0 {
		return out, nil
	}

	rows, err := r.db.Query(ctx, `
		SELECT import_key, import_data
		FROM import_state
		WHERE import_key = ANY($1)
	`, keys)
	if err != nil {
		return nil, fmt.Errorf("fetch import states: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("scan import state: %w", err)
		}
		data, err := models.UnmarshalImportData(raw)
		if err != nil {
			return nil, fmt.Errorf("import state %s: %w", key, err)
		}
		out[key] = &models.ImportState{ImportKey: key, Data: data}
	}
	return out, rows.Err()
}

// ListImportStates reads every state row, for status reporting and the
// coverage tools.
func (r *Repository) ListImportStates(ctx context.Context) ([]*models.ImportState, error) {
	rows, err := r.db.Query(ctx, `
		SELECT import_key, import_data
		FROM import_state
		ORDER BY import_key
	`)
	if err != nil {
		return nil, fmt.Errorf("list import states: %w", err)
	}
	defer rows.Close()

	var states []*models.ImportState
	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("scan import state: %w", err)
		}
		data, err := models.UnmarshalImportData(raw)
		if err != nil {
			return nil, fmt.Errorf("import state %s: %w", key, err)
		}
		states = append(states, &models.ImportState{ImportKey: key, Data: data})
	}
	return states, rows.Err()
}

// UpsertImportState inserts a state row or deep-merges the payload into an
// existing one. Range lists replace wholesale (jsonb_merge overwrites array
// values), so a caller can seed defaults without resurrecting old ranges.
func (r *Repository) UpsertImportState(ctx context.Context, state *models.ImportState) error {
	raw, err := models.MarshalImportData(state.Data)
	if err != nil {
		return fmt.Errorf("marshal import state %s: %w", state.ImportKey, err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO import_state (import_key, import_data)
		VALUES ($1, $2)
		ON CONFLICT (import_key)
		DO UPDATE SET import_data = jsonb_merge(import_state.import_data, EXCLUDED.import_data)
	`, state.ImportKey, raw)
	if err != nil {
		return fmt.Errorf("upsert import state %s: %w", state.ImportKey, err)
	}
	return nil
}

// RangeResult is the outcome of querying one range for one import key.
type RangeResult struct {
	ImportKey string
	Range     ranges.Range
	Success   bool
}

// UpdateImportState folds a batch of range results into their import states.
// This is the only path that evolves a state's ranges. The transaction locks
// the touched rows in key order to avoid deadlocks between concurrent
// pipelines; connection-level timeouts are retried with jittered backoff and
// leave no partial state behind.
func (r *Repository) UpdateImportState(ctx context.Context, results []RangeResult, now time.Time) error {
	if len(results) == 0 {
		return nil
	}

	byKey := make(map[string][]RangeResult)
	for _, res := range results {
		byKey[res.ImportKey] = append(byKey[res.ImportKey], res)
	}
	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attempt := func() error {
		err := r.updateImportStateTx(ctx, keys, byKey, now)
		if err != nil && !isConnectionTimeout(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = 0

	return backoff.Retry(attempt, backoff.WithContext(
		backoff.WithMaxRetries(policy, updateStateMaxAttempts-1), ctx))
}

func (r *Repository) updateImportStateTx(ctx context.Context, keys []string, byKey map[string][]RangeResult, now time.Time) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin update tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT import_key, import_data
		FROM import_state
		WHERE import_key = ANY($1)
		ORDER BY import_key
		FOR UPDATE
	`, keys)
	if err != nil {
		return fmt.Errorf("lock import states: %w", err)
	}

	states := make(map[string]models.ImportData, len(keys))
	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			rows.Close()
			return fmt.Errorf("scan locked state: %w", err)
		}
		data, err := models.UnmarshalImportData(raw)
		if err != nil {
			rows.Close()
			return fmt.Errorf("import state %s: %w", key, err)
		}
		states[key] = data
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	updated, skipped := foldRangeResults(states, keys, byKey, now)
	// A result can race the lazy creation of its state row, or reference a
	// row a maintenance tool reset mid-tick. Dropping it only costs a
	// re-import; failing here would drop every other key's results too.
	for _, key := range skipped {
		r.log.Warn().Str("import_key", key).Msg("range results for unknown import state, dropped")
	}
	if len(updated) == 0 {
		return tx.Commit(ctx)
	}

	batch := &pgx.Batch{}
	for _, key := range updated {
		raw, err := models.MarshalImportData(states[key])
		if err != nil {
			return fmt.Errorf("marshal import state %s: %w", key, err)
		}
		batch.Queue(`UPDATE import_state SET import_data = $2 WHERE import_key = $1`, key, raw)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("write updated states: %w", err)
	}
	return tx.Commit(ctx)
}

// foldRangeResults folds every key's results into its loaded state in place.
// Keys with results but no state row are returned as skipped.
func foldRangeResults(states map[string]models.ImportData, keys []string, byKey map[string][]RangeResult, now time.Time) (updated, skipped []string) {
	for _, key := range keys {
		data, ok := states[key]
		if !ok {
			skipped = append(skipped, key)
			continue
		}

		var covered, success, failed []ranges.Range
		for _, res := range byKey[key] {
			if res.Success {
				covered = append(covered, res.Range)
				success = append(success, res.Range)
			} else {
				failed = append(failed, res.Range)
			}
		}

		ir := data.ImportRanges()
		*ir = ir.Update(data.RangeAlgebra(), covered, success, failed, now)
		updated = append(updated, key)
	}
	return updated, skipped
}

// isConnectionTimeout reports whether err looks like a transient connection
// problem worth retrying, as opposed to a constraint violation or a bug.
func isConnectionTimeout(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection reset by peer",
		"broken pipe",
		"connection refused",
		"statement timeout",
		"canceling statement due to statement timeout",
		"timeout",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
