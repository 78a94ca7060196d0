package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

var (
	// ErrNoKeysFound means the source was readable but yielded no keys.
	ErrNoKeysFound = errors.New("no keys found in key source")
	// ErrSourceUnavailable means the source itself could not be fetched or read.
	ErrSourceUnavailable = errors.New("key source unavailable")
)

var sourceClient = &http.Client{Timeout: 30 * time.Second}

// LoadFromSource reads a key list from a URL or local file and replaces the
// working set with it. The payload is parsed as a JSON array of strings
// first, falling back to newline-separated values. Returns the number of
// keys configured.
func (s *KeyStore) LoadFromSource(ctx context.Context, src string) (int, error) {
	raw, err := fetchSource(ctx, src)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	keys := ParseKeyList(raw)
	if len(keys) == 0 {
		return 0, ErrNoKeysFound
	}

	s.Configure(keys)
	return s.TotalCount(), nil
}

func fetchSource(ctx context.Context, src string) ([]byte, error) {
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
		if err != nil {
			return nil, err
		}
		resp, err := sourceClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("status code: %d", resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	}
	return os.ReadFile(src)
}

// ParseKeyList extracts keys from a raw source payload.
func ParseKeyList(raw []byte) []string {
	var fromJSON []string
	if err := json.Unmarshal(raw, &fromJSON); err == nil {
		return trimKeys(fromJSON)
	}
	return trimKeys(strings.Split(string(raw), "\n"))
}

func trimKeys(in []string) []string {
	out := make([]string, 0, len(in))
	for _, k := range in {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}
