package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tablecrew/vitalsync/internal/vitality"
)

// Logger mirrors the minimal logging surface the core accepts.
type Logger interface {
	Printf(format string, args ...any)
}

// HTTPError is a transport-level failure with a status code.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// RemoteError is a write the store received and rejected.
type RemoteError struct {
	Reason string
}

func (e *RemoteError) Error() string {
	if e.Reason == "" {
		return "remote store rejected the write"
	}
	return "remote store rejected the write: " + e.Reason
}

// StateFetcher reads the authoritative vitality table.
type StateFetcher interface {
	FetchState(ctx context.Context) ([]vitality.VitalityState, error)
}

// Client talks to the remote store: the polling read endpoint and the
// fire-and-forget write endpoint. Neither path retries inside the client.
// A failed read is retried by the next poll tick; a failed write is surfaced
// so the operator can re-issue it.
type Client struct {
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

type ClientOptions struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewClient(opts ClientOptions) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, vitality.ErrInvalidInput
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		now:        time.Now,
	}, nil
}

// FetchState pulls the full state table. The cacheBust query parameter
// defeats any caching proxy between client and store. The payload is
// schema-validated before any field is trusted; every numeric field passes
// through explicit coercion and clamping on the way into the data model.
func (c *Client) FetchState(ctx context.Context) ([]vitality.VitalityState, error) {
	q := url.Values{}
	q.Set("action", "state")
	q.Set("cacheBust", strconv.FormatInt(c.now().UnixNano(), 10))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	return parseStatePayload(body)
}

// SubmitDelta issues one mutation write. The body is form-encoded so the
// request stays a simple request at the network level (no preflight round
// trip). The store derives the resulting value itself; only the signed
// delta travels.
func (c *Client) SubmitDelta(ctx context.Context, deltaReq vitality.DeltaRequest) error {
	form := url.Values{}
	form.Set("entityId", deltaReq.EntityID)
	form.Set("delta", strconv.Itoa(deltaReq.Delta))
	form.Set("sessionToken", deltaReq.SessionToken)
	if deltaReq.Note != "" {
		form.Set("note", deltaReq.Note)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	var ack struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &ack); err != nil {
		return &RemoteError{Reason: "malformed acknowledgement"}
	}
	if !ack.OK {
		return &RemoteError{Reason: strings.TrimSpace(ack.Error)}
	}
	return nil
}
