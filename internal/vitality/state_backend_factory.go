package vitality

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// BuildStateBackendFromDSN maps a DSN onto a state backend. An empty DSN
// means no persistence (nil backend); bare paths and file:// URLs get the
// JSON file backend; memory:// gets the in-memory backend; postgres:// is
// handed to lib/pq untouched.
func BuildStateBackendFromDSN(dsn, stateKey string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "file":
		path := dsnFilePath(parsed, dsn)
		if path == "" {
			return nil, fmt.Errorf("%w: empty state file path", ErrInvalidInput)
		}
		return NewFileStateBackend(path)
	case "memory", "mem", "inmem":
		return NewInMemoryStateBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresStateBackend(dsn, stateKey)
	default:
		return nil, fmt.Errorf("unsupported state backend scheme: %s", scheme)
	}
}

func dsnFilePath(parsed *url.URL, raw string) string {
	if parsed.Scheme == "" {
		return strings.TrimSpace(raw)
	}
	path := parsed.Path
	if parsed.Host != "" {
		path = filepath.Join(parsed.Host, path)
	}
	return strings.TrimSpace(path)
}
