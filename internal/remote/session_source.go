package remote

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tablecrew/vitalsync/internal/vitality"
)

// CandidateSource supplies the session roster rows the arbiter chooses from.
type CandidateSource interface {
	FetchCandidates(ctx context.Context) ([]vitality.SessionCandidate, error)
	Close() error
}

// parseCandidateRows reads CSV-like rows of scopeKey,status,sessionToken.
// Quoted fields containing the delimiter are legal; a leading header row is
// skipped; short rows are dropped.
func parseCandidateRows(r io.Reader) ([]vitality.SessionCandidate, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	var out []vitality.SessionCandidate
	first := true
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("malformed candidate row: %w", err)
		}
		if first {
			first = false
			if len(record) > 0 && strings.EqualFold(strings.TrimSpace(record[0]), "scopeKey") {
				continue
			}
		}
		if len(record) < 3 {
			continue
		}
		candidate := vitality.SessionCandidate{
			ScopeKey:     strings.TrimSpace(record[0]),
			Status:       strings.TrimSpace(record[1]),
			SessionToken: strings.TrimSpace(record[2]),
		}
		if candidate.ScopeKey == "" {
			continue
		}
		out = append(out, candidate)
	}
	return out, nil
}

// HTTPCandidateSource fetches the roster over HTTP with cache-busting.
type HTTPCandidateSource struct {
	sourceURL  string
	httpClient *http.Client
	now        func() time.Time
}

func NewHTTPCandidateSource(sourceURL string, httpClient *http.Client) (*HTTPCandidateSource, error) {
	sourceURL = strings.TrimSpace(sourceURL)
	if sourceURL == "" {
		return nil, vitality.ErrInvalidInput
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPCandidateSource{
		sourceURL:  sourceURL,
		httpClient: httpClient,
		now:        time.Now,
	}, nil
}

func (s *HTTPCandidateSource) FetchCandidates(ctx context.Context) ([]vitality.SessionCandidate, error) {
	parsed, err := url.Parse(s.sourceURL)
	if err != nil {
		return nil, err
	}
	q := parsed.Query()
	q.Set("cacheBust", strconv.FormatInt(s.now().UnixNano(), 10))
	parsed.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	return parseCandidateRows(resp.Body)
}

func (s *HTTPCandidateSource) Close() error {
	return nil
}

// FileCandidateSource serves the roster from a local CSV file. The file is
// watched with fsnotify so edits are picked up on the next fetch without
// re-reading an unchanged file every cycle.
type FileCandidateSource struct {
	path    string
	watcher *fsnotify.Watcher
	logger  Logger

	mu     sync.Mutex
	cached []vitality.SessionCandidate
	loaded bool
	dirty  bool
}

func NewFileCandidateSource(path string, logger Logger) (*FileCandidateSource, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, vitality.ErrInvalidInput
	}
	s := &FileCandidateSource{path: path, logger: logger}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors and atomic writers replace the file,
	// which would drop a watch on the path itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	s.watcher = watcher
	go s.watchLoop()
	return s, nil
}

func (s *FileCandidateSource) watchLoop() {
	base := filepath.Base(s.path)
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				s.mu.Lock()
				s.dirty = true
				s.mu.Unlock()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			if s.logger != nil {
				s.logger.Printf("candidate file watch error: %v", err)
			}
			s.mu.Lock()
			s.dirty = true
			s.mu.Unlock()
		}
	}
}

func (s *FileCandidateSource) FetchCandidates(ctx context.Context) ([]vitality.SessionCandidate, error) {
	_ = ctx
	s.mu.Lock()
	needsRead := !s.loaded || s.dirty
	s.mu.Unlock()
	if needsRead {
		file, err := os.Open(s.path)
		if err != nil {
			return nil, err
		}
		candidates, parseErr := parseCandidateRows(file)
		_ = file.Close()
		if parseErr != nil {
			return nil, parseErr
		}
		s.mu.Lock()
		s.cached = candidates
		s.loaded = true
		s.dirty = false
		s.mu.Unlock()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]vitality.SessionCandidate(nil), s.cached...), nil
}

func (s *FileCandidateSource) Close() error {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Close()
}

// BuildCandidateSourceFromDSN maps a roster DSN onto a source: http(s) URLs
// poll the remote roster, file:// URLs and bare paths watch a local CSV.
func BuildCandidateSourceFromDSN(dsn string, logger Logger) (CandidateSource, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, vitality.ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
		return NewHTTPCandidateSource(dsn, nil)
	case "", "file":
		path := dsn
		if parsed.Scheme != "" {
			path = parsed.Path
			if parsed.Host != "" {
				path = filepath.Join(parsed.Host, path)
			}
		}
		return NewFileCandidateSource(path, logger)
	default:
		return nil, fmt.Errorf("unsupported session source scheme: %s", parsed.Scheme)
	}
}
