package server

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"sync"
	"time"

	"github.com/INLOpen/nexusstate/config"
	"github.com/INLOpen/nexusstate/core"
	"github.com/INLOpen/nexusstate/statetable"
	"github.com/arl/statsviz"
)

// TableView is the read side of a state table the debug server reports on.
type TableView interface {
	ID() string
	CommittedSequence() int64
	KnownSequence() int64
	Counts() statetable.Counts
	Stats() statetable.HoldbackStats
	GetShallowCopiesEnumerator(bound int64) (*statetable.Enumerator, error)
	GetShallowCopiesEnumeratorForType(typ core.TypeTag) (*statetable.Enumerator, error)
}

// TableSummary is the JSON body of one table on /debug/statetable.
type TableSummary struct {
	ID                string `json:"id"`
	Role              string `json:"role"`
	CommittedSequence int64  `json:"committed_sequence"`
	KnownSequence     int64  `json:"known_sequence"`
	Committed         int64  `json:"committed_count"`
	Uncommitted       int64  `json:"uncommitted_count"`
	Entries           int    `json:"entries"`
	HoldbackSamples   uint64 `json:"holdback_samples"`
	HoldbackP50       string `json:"holdback_p50"`
	HoldbackP99       string `json:"holdback_p99"`
	HoldbackMax       string `json:"holdback_max"`
	WaitingAcks       int    `json:"waiting_acks"`
	Outstanding       uint64 `json:"outstanding_prepares"`
}

// RecordView is the JSON body of one snapshot record.
type RecordView struct {
	Type      string `json:"type"`
	Key       string `json:"key"`
	Value     string `json:"value"`
	Sequence  int64  `json:"sequence"`
	Committed bool   `json:"committed"`
	Weight    int64  `json:"weight"`
}

const defaultRecordLimit = 100

// MetricsServer manages the HTTP server for metrics, debugging and table
// inspection.
type MetricsServer struct {
	server  *http.Server
	logger  *slog.Logger
	started bool
	mu      sync.Mutex

	tablesMu sync.RWMutex
	tables   map[string]TableView
	roles    map[string]string
	order    []string
}

// NewMetricsServer creates and configures a new HTTP server.
func NewMetricsServer(cfg config.DebugConfig, logger *slog.Logger) *MetricsServer {
	mux := http.NewServeMux()
	logger = logger.With("component", "MetricsServer")
	s := &MetricsServer{
		logger: logger,
		tables: make(map[string]TableView),
		roles:  make(map[string]string),
	}

	if cfg.PProfEnabled {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		logger.Info("pprof profiling endpoints enabled on /debug/pprof")
	}
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", expvar.Handler())
		logger.Info("expvar metrics endpoint enabled on /metrics")
		if cfg.MonitorUIEnabled {
			if err := statsviz.Register(mux,
				statsviz.Root("/viz"),
				statsviz.SendFrequency(250*time.Millisecond),
			); err != nil {
				logger.Warn("statsviz registration failed", "error", err)
			} else {
				logger.Info("Monitoring UI is available at /viz")
			}
		}
	}
	mux.HandleFunc("/debug/statetable", s.handleSummary)
	mux.HandleFunc("/debug/statetable/records", s.handleRecords)

	addr := cfg.ListenAddress
	if addr == "" {
		addr = ":6060"
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the server's routes.
func (s *MetricsServer) Handler() http.Handler { return s.server.Handler }

// AddTable makes a table visible on the inspection endpoints under role.
func (s *MetricsServer) AddTable(role string, t TableView) {
	s.tablesMu.Lock()
	defer s.tablesMu.Unlock()
	if _, ok := s.tables[t.ID()]; !ok {
		s.order = append(s.order, t.ID())
	}
	s.tables[t.ID()] = t
	s.roles[t.ID()] = role
}

// RemoveTable hides a discarded table.
func (s *MetricsServer) RemoveTable(id string) {
	s.tablesMu.Lock()
	defer s.tablesMu.Unlock()
	delete(s.tables, id)
	delete(s.roles, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *MetricsServer) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Only GET method is allowed", http.StatusMethodNotAllowed)
		return
	}
	s.tablesMu.RLock()
	out := make([]TableSummary, 0, len(s.order))
	for _, id := range s.order {
		t := s.tables[id]
		counts := t.Counts()
		stats := t.Stats()
		out = append(out, TableSummary{
			ID:                id,
			Role:              s.roles[id],
			CommittedSequence: t.CommittedSequence(),
			KnownSequence:     t.KnownSequence(),
			Committed:         counts.Committed,
			Uncommitted:       counts.Uncommitted,
			Entries:           counts.Entries,
			HoldbackSamples:   stats.Samples,
			HoldbackP50:       stats.P50.String(),
			HoldbackP99:       stats.P99.String(),
			HoldbackMax:       stats.Max.String(),
			WaitingAcks:       stats.Waiting,
			Outstanding:       stats.Outstanding,
		})
	}
	s.tablesMu.RUnlock()
	writeJSON(w, out, s.logger)
}

// handleRecords lists the first records of a snapshot. Query parameters:
// table (required unless only one table is registered), type, limit, and
// known=1 to include pending values.
func (s *MetricsServer) handleRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Only GET method is allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	t, err := s.lookupTable(q.Get("table"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	limit := defaultRecordLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	var snap *statetable.Enumerator
	switch {
	case q.Get("type") != "":
		typ, perr := core.ParseTypeTag(q.Get("type"))
		if perr != nil {
			http.Error(w, perr.Error(), http.StatusBadRequest)
			return
		}
		snap, err = t.GetShallowCopiesEnumeratorForType(typ)
	case q.Get("known") == "1":
		snap, err = t.GetShallowCopiesEnumerator(core.SequenceMax)
	default:
		bound := t.CommittedSequence()
		if bound == core.SequenceNone {
			writeJSON(w, []RecordView{}, s.logger)
			return
		}
		snap, err = t.GetShallowCopiesEnumerator(bound)
	}
	if err != nil {
		s.logger.Warn("Snapshot for inspection failed", "table", t.ID(), "error", err)
		http.Error(w, fmt.Sprintf("snapshot failed: %v", err), http.StatusServiceUnavailable)
		return
	}
	defer snap.Close()

	out := make([]RecordView, 0, min(limit, snap.Len()))
	snap.Range(func(rec statetable.Record) bool {
		out = append(out, RecordView{
			Type:      rec.Type.String(),
			Key:       rec.Key,
			Value:     string(rec.Value),
			Sequence:  rec.Sequence,
			Committed: rec.Committed,
			Weight:    rec.Weight,
		})
		return len(out) < limit
	})
	writeJSON(w, out, s.logger)
}

func (s *MetricsServer) lookupTable(id string) (TableView, error) {
	s.tablesMu.RLock()
	defer s.tablesMu.RUnlock()
	if id == "" {
		if len(s.order) == 1 {
			return s.tables[s.order[0]], nil
		}
		return nil, fmt.Errorf("table parameter required, %d tables registered", len(s.order))
	}
	t, ok := s.tables[id]
	if !ok {
		return nil, fmt.Errorf("table %s not found", id)
	}
	return t, nil
}

func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("Writing JSON response failed", "error", err)
	}
}

// Start starts the Metrics server. It's a blocking call.
func (s *MetricsServer) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to start Metrics server: %w", err)
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener until Stop. It's a blocking call.
func (s *MetricsServer) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Info("Metrics server for metrics and pprof listening", "address", ln.Addr().String())
	if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		s.logger.Error("Metrics server failed", "error", err)
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the Metrics server.
func (s *MetricsServer) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.logger.Info("Stopping Metrics server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("Metrics server shutdown failed", "error", err)
	} else {
		s.logger.Info("Metrics server stopped gracefully.")
	}
}
