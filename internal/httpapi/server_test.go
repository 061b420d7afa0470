package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/tablecrew/vitalsync/internal/remote"
	"github.com/tablecrew/vitalsync/internal/vitality"
)

type okWriter struct{}

func (okWriter) SubmitDelta(ctx context.Context, req vitality.DeltaRequest) error {
	return nil
}

func newTestServer(t *testing.T) (*Server, *vitality.View, *vitality.SessionArbiter) {
	t.Helper()
	view := vitality.NewView(vitality.ViewOptions{})
	arbiter := vitality.NewSessionArbiter(vitality.SessionArbiterOptions{})
	submitter, err := vitality.NewSubmitter(vitality.SubmitterOptions{
		View:     view,
		Writer:   okWriter{},
		Sessions: arbiter,
	})
	if err != nil {
		t.Fatalf("new submitter failed: %v", err)
	}
	fetcher := fetcherFunc(func(ctx context.Context) ([]vitality.VitalityState, error) { return nil, nil })
	poller, err := remote.NewSnapshotPoller(remote.SnapshotPollerOptions{
		Fetcher: fetcher,
		View:    view,
	})
	if err != nil {
		t.Fatalf("new poller failed: %v", err)
	}
	return NewServer(view, submitter, arbiter, poller, ServerConfig{}, nil), view, arbiter
}

type fetcherFunc func(ctx context.Context) ([]vitality.VitalityState, error)

func (f fetcherFunc) FetchState(ctx context.Context) ([]vitality.VitalityState, error) {
	return f(ctx)
}

func doJSON(t *testing.T, server *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndUnknownRoute(t *testing.T) {
	server, _, _ := newTestServer(t)
	if rec := doJSON(t, server, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("health returned %d", rec.Code)
	}
	if rec := doJSON(t, server, http.MethodGet, "/v1/none", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestDisplayEndpoint(t *testing.T) {
	server, view, _ := newTestServer(t)
	if err := view.ApplySnapshot(1, []vitality.VitalityState{{EntityID: "E", CurrentValue: 12, MaxValue: 20}}); err != nil {
		t.Fatalf("seed snapshot failed: %v", err)
	}
	rec := doJSON(t, server, http.MethodGet, "/v1/display", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("display returned %d: %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Rows []vitality.DisplayState `json:"rows"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode display failed: %v", err)
	}
	if len(payload.Rows) != 1 || payload.Rows[0].EntityID != "E" || payload.Rows[0].CurrentValue != 12 {
		t.Fatalf("unexpected display payload: %+v", payload)
	}
}

func TestMutationsEndpoint(t *testing.T) {
	server, view, arbiter := newTestServer(t)
	arbiter.Update([]vitality.SessionCandidate{{ScopeKey: "A", Status: "ACTIVE", SessionToken: "t"}})
	if err := view.ApplySnapshot(1, []vitality.VitalityState{{EntityID: "E", CurrentValue: 12, MaxValue: 20}}); err != nil {
		t.Fatalf("seed snapshot failed: %v", err)
	}

	rec := doJSON(t, server, http.MethodPost, "/v1/mutations", `{"targets":["E"],"delta":-3}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("mutation returned %d: %s", rec.Code, rec.Body.String())
	}
	var result vitality.BatchResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result failed: %v", err)
	}
	if result.Succeeded != 1 || result.Failed != 0 {
		t.Fatalf("unexpected batch result: %+v", result)
	}
	if d := view.Display("E"); d.CurrentValue != 9 || !d.Pending {
		t.Fatalf("expected optimistic 9, got %+v", d)
	}
}

func TestMutationsEndpointValidation(t *testing.T) {
	server, _, arbiter := newTestServer(t)

	// No active session: the guard rejects before side effects.
	rec := doJSON(t, server, http.MethodPost, "/v1/mutations", `{"targets":["E"],"delta":-1}`)
	if rec.Code != http.StatusConflict || !strings.Contains(rec.Body.String(), "no_active_session") {
		t.Fatalf("expected no_active_session conflict, got %d: %s", rec.Code, rec.Body.String())
	}

	arbiter.Update([]vitality.SessionCandidate{{ScopeKey: "A", Status: "ACTIVE", SessionToken: "t"}})
	cases := []struct {
		body string
		code string
	}{
		{`{"targets":["E"]}`, "bad_delta"},
		{`{"targets":["E"],"delta":1.5}`, "bad_delta"},
		{`{"targets":["E"],"delta":1e18}`, "bad_delta"},
		{`{"targets":["E"],"delta":-1e18}`, "bad_delta"},
		{`{"targets":["E"],"delta":0}`, "bad_request"},
		{`{"targets":[],"delta":-1}`, "bad_request"},
		{`not json`, "bad_request"},
	}
	for _, tc := range cases {
		rec := doJSON(t, server, http.MethodPost, "/v1/mutations", tc.body)
		if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), tc.code) {
			t.Fatalf("body %q: expected 400 %s, got %d: %s", tc.body, tc.code, rec.Code, rec.Body.String())
		}
	}
}

func TestActivityEndpointTogglesPoller(t *testing.T) {
	server, _, _ := newTestServer(t)

	rec := doJSON(t, server, http.MethodPost, "/v1/activity", `{"active":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("activity returned %d: %s", rec.Code, rec.Body.String())
	}
	status := doJSON(t, server, http.MethodGet, "/v1/status", "")
	var payload struct {
		PollerActive bool `json:"pollerActive"`
	}
	if err := json.Unmarshal(status.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode status failed: %v", err)
	}
	if !payload.PollerActive {
		t.Fatalf("expected poller active after activity report")
	}

	if rec := doJSON(t, server, http.MethodPost, "/v1/activity", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing active flag, got %d", rec.Code)
	}
}

func TestDisplayWatchStreamsInitialFrameThenUpdates(t *testing.T) {
	server, view, _ := newTestServer(t)
	if err := view.ApplySnapshot(1, []vitality.VitalityState{{EntityID: "E", CurrentValue: 12, MaxValue: 20}}); err != nil {
		t.Fatalf("seed snapshot failed: %v", err)
	}

	ts := httptest.NewServer(server)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/display/watch", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.CloseNow()

	var frame struct {
		Rows []vitality.DisplayState `json:"rows"`
	}
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatalf("initial frame read failed: %v", err)
	}
	if len(frame.Rows) != 1 || frame.Rows[0].EntityID != "E" || frame.Rows[0].CurrentValue != 12 {
		t.Fatalf("unexpected initial frame: %+v", frame.Rows)
	}

	// The initial frame is written after the subscription is registered, so
	// having read it guarantees this snapshot produces an update frame.
	if err := view.ApplySnapshot(2, []vitality.VitalityState{{EntityID: "E", CurrentValue: 7, MaxValue: 20}}); err != nil {
		t.Fatalf("update snapshot failed: %v", err)
	}
	for {
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			t.Fatalf("update frame read failed: %v", err)
		}
		if len(frame.Rows) == 1 && frame.Rows[0].CurrentValue == 7 {
			break
		}
	}
}

func TestStatusReportsSessionAndLedger(t *testing.T) {
	server, view, arbiter := newTestServer(t)
	arbiter.Update([]vitality.SessionCandidate{{ScopeKey: "A", Status: "ACTIVE", SessionToken: "t"}})
	view.ApplyOptimistic("E", 3, 20)

	rec := doJSON(t, server, http.MethodGet, "/v1/status", "")
	var payload struct {
		Session      *vitality.ActiveSession `json:"session"`
		PendingDepth int                     `json:"pendingDepth"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode status failed: %v", err)
	}
	if payload.Session == nil || payload.Session.ScopeKey != "A" {
		t.Fatalf("expected session A in status, got %+v", payload.Session)
	}
	if payload.PendingDepth != 1 {
		t.Fatalf("expected pending depth 1, got %d", payload.PendingDepth)
	}
}
