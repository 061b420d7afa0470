// Package httpapi serves the local operations API a rendering surface talks
// to: merged display reads, mutation submission, activity reporting and a
// websocket change feed. It is not a presentation layer itself.
package httpapi

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/tablecrew/vitalsync/internal/remote"
	"github.com/tablecrew/vitalsync/internal/vitality"
)

type ServerConfig struct {
	MaxBodyBytes int64
}

type Server struct {
	view      *vitality.View
	submitter *vitality.Submitter
	sessions  *vitality.SessionArbiter
	poller    *remote.SnapshotPoller
	cfg       ServerConfig
	logger    vitality.Logger
}

func NewServer(view *vitality.View, submitter *vitality.Submitter, sessions *vitality.SessionArbiter, poller *remote.SnapshotPoller, cfg ServerConfig, logger vitality.Logger) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{
		view:      view,
		submitter: submitter,
		sessions:  sessions,
		poller:    poller,
		cfg:       cfg,
		logger:    logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.URL.Path == "/v1/status" && r.Method == http.MethodGet:
		s.handleStatus(w, r)
	case r.URL.Path == "/v1/display" && r.Method == http.MethodGet:
		s.handleDisplay(w, r)
	case r.URL.Path == "/v1/display/watch" && r.Method == http.MethodGet:
		s.handleDisplayWatch(w, r)
	case r.URL.Path == "/v1/mutations" && r.Method == http.MethodPost:
		s.handleMutations(w, r)
	case r.URL.Path == "/v1/activity" && r.Method == http.MethodPost:
		s.handleActivity(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown route")
	}
}

type statusResponse struct {
	Session        *vitality.ActiveSession `json:"session,omitempty"`
	PollerActive   bool                    `json:"pollerActive"`
	AppliedSeq     uint64                  `json:"appliedSeq"`
	PendingDepth   int                     `json:"pendingDepth"`
	BatchInFlight  bool                    `json:"batchInFlight"`
	TotalSucceeded uint64                  `json:"totalSucceeded"`
	TotalFailed    uint64                  `json:"totalFailed"`
	PollsApplied   uint64                  `json:"pollsApplied"`
	PollsSkipped   uint64                  `json:"pollsSkipped"`
	PollsStale     uint64                  `json:"pollsStale"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	_ = r
	resp := statusResponse{
		AppliedSeq:    s.view.AppliedSeq(),
		PendingDepth:  s.view.Ledger().Depth(),
		BatchInFlight: s.submitter.InFlight(),
	}
	if session, ok := s.sessions.Current(); ok {
		resp.Session = &session
	}
	resp.TotalSucceeded, resp.TotalFailed = s.submitter.Totals()
	if s.poller != nil {
		resp.PollerActive = s.poller.Active()
		resp.PollsApplied, resp.PollsSkipped, resp.PollsStale = s.poller.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDisplay(w http.ResponseWriter, r *http.Request) {
	_ = r
	writeJSON(w, http.StatusOK, map[string]any{
		"rows": s.view.DisplayAll(),
	})
}

type mutationRequest struct {
	Targets []string `json:"targets"`
	Delta   *float64 `json:"delta"`
	Note    string   `json:"note"`
}

// Counters are clamped to [0, max] with maxes around 20, so any legitimate
// delta is tiny. The bound keeps the float-to-int conversion well inside
// exact integer range on every platform.
const maxDeltaMagnitude = 1000

func (s *Server) handleMutations(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	var req mutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	if req.Delta == nil || math.IsNaN(*req.Delta) || math.IsInf(*req.Delta, 0) || math.Trunc(*req.Delta) != *req.Delta {
		writeError(w, http.StatusBadRequest, "bad_delta", "delta must be a finite integer")
		return
	}
	if math.Abs(*req.Delta) > maxDeltaMagnitude {
		writeError(w, http.StatusBadRequest, "bad_delta", "delta out of range")
		return
	}
	result, err := s.submitter.Apply(r.Context(), req.Targets, int(*req.Delta), req.Note)
	if err != nil {
		switch {
		case errors.Is(err, vitality.ErrNoActiveSession):
			writeError(w, http.StatusConflict, "no_active_session", err.Error())
		case errors.Is(err, vitality.ErrBatchInFlight):
			writeError(w, http.StatusConflict, "batch_in_flight", err.Error())
		case errors.Is(err, vitality.ErrEmptyTargets), errors.Is(err, vitality.ErrZeroDelta):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type activityRequest struct {
	Active *bool `json:"active"`
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	var req activityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Active == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "body must be {\"active\": bool}")
		return
	}
	if s.poller != nil {
		s.poller.SetActive(*req.Active)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"active": *req.Active})
}

// handleDisplayWatch streams the merged display over a websocket: the full
// row set immediately, then again after every reconciliation change. Change
// signals coalesce on the view side, so a burst of updates costs one frame.
func (s *Server) handleDisplayWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Printf("websocket accept failed: %v", err)
		}
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	changes := s.view.Watch(ctx)
	if err := wsjson.Write(ctx, conn, map[string]any{"rows": s.view.DisplayAll()}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-changes:
			if err := wsjson.Write(ctx, conn, map[string]any{"rows": s.view.DisplayAll()}); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
