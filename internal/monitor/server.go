// Package monitor exposes a small read-only HTTP surface: liveness and
// import coverage status.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"beefy-importer/internal/models"
	"beefy-importer/internal/ranges"
	"beefy-importer/internal/repository"
)

type Server struct {
	repo *repository.Repository
	log  zerolog.Logger
	http *http.Server
}

func NewServer(repo *repository.Repository, port int, log zerolog.Logger) *Server {
	s := &Server{
		repo: repo,
		log:  log.With().Str("component", "monitor").Logger(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status/import", s.handleImportStatus).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.http.Addr).Msg("monitor listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type importStatus struct {
	ImportKey      string         `json:"importKey"`
	Type           string         `json:"type"`
	CoveredSpans   int            `json:"coveredSpans"`
	CoveredTotal   int64          `json:"coveredTotal"`
	RetryCount     int            `json:"retryCount"`
	LastImportDate time.Time      `json:"lastImportDate"`
	Covered        []ranges.Range `json:"covered,omitempty"`
	ToRetry        []ranges.Range `json:"toRetry,omitempty"`
}

func (s *Server) handleImportStatus(w http.ResponseWriter, r *http.Request) {
	states, err := s.repo.ListImportStates(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("import status query failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	includeRanges := r.URL.Query().Get("include_ranges") == "1"

	out := make([]importStatus, 0, len(states))
	for _, st := range states {
		out = append(out, buildImportStatus(st, includeRanges))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func buildImportStatus(st *models.ImportState, includeRanges bool) importStatus {
	alg := st.Data.RangeAlgebra()
	ir := st.Data.ImportRanges()

	status := importStatus{
		ImportKey:      st.ImportKey,
		Type:           st.Data.ImportType(),
		CoveredSpans:   len(ir.Covered),
		CoveredTotal:   alg.TotalSpan(ir.Covered),
		RetryCount:     len(ir.ToRetry),
		LastImportDate: ir.LastImportDate,
	}
	if includeRanges {
		status.Covered = ir.Covered
		status.ToRetry = ir.ToRetry
	}
	return status
}
