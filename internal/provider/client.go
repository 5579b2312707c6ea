// Package provider fetches the latest market prices from external data providers.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/0xPuncker/price-watcher/pkg/types"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// Client returns one snapshot of current prices per call
type Client interface {
	Name() string
	FetchLatest(ctx context.Context) (*types.RawSnapshot, error)
}

const (
	cooldownKey         = "cooldown"
	defaultRetryAfter   = 60 * time.Second
	maxResponseBodySize = 4 << 20
)

// NewHTTPClient mirrors the pooled client used for every provider
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
		},
	}
}

// fetcher holds the plumbing shared by the provider implementations
type fetcher struct {
	source string
	client *http.Client
	logger *logrus.Logger
	cache  *cache.Cache
	now    func() time.Time
}

func newFetcher(source string, client *http.Client, logger *logrus.Logger) fetcher {
	if client == nil {
		client = NewHTTPClient(0)
	}
	return fetcher{
		source: source,
		client: client,
		logger: logger,
		cache:  cache.New(defaultRetryAfter, time.Minute),
		now:    time.Now,
	}
}

// coolingDown returns a RateLimited error while a previous 429 is still in effect
func (f *fetcher) coolingDown() error {
	if until, expiry, found := f.cache.GetWithExpiration(cooldownKey); found {
		remaining := expiry.Sub(f.now())
		f.logger.WithFields(logrus.Fields{
			"source":    f.source,
			"remaining": remaining.Round(time.Second).String(),
		}).Debug("Provider still rate limited, not calling it")
		return &Error{
			Kind:       KindRateLimited,
			Source:     f.source,
			RetryAfter: remaining,
			Err:        fmt.Errorf("cooling down until %s", until.(time.Time).Format(time.RFC3339)),
		}
	}
	return nil
}

// getJSON performs a GET and decodes the body into out, keeping numbers as json.Number
func (f *fetcher) getJSON(ctx context.Context, url string, header http.Header, out any) error {
	if err := f.coolingDown(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &Error{Kind: KindUnreachable, Source: f.source, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return classify(f.source, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		wait := parseRetryAfter(resp.Header.Get("Retry-After"), f.now())
		f.cache.Set(cooldownKey, f.now().Add(wait), wait)
		f.logger.WithFields(logrus.Fields{
			"source":      f.source,
			"retry_after": wait.String(),
		}).Warn("Provider rate limit exceeded")
		return &Error{Kind: KindRateLimited, Source: f.source, Status: resp.StatusCode, RetryAfter: wait}
	case resp.StatusCode >= 500:
		return &Error{Kind: KindUnreachable, Source: f.source, Status: resp.StatusCode}
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &Error{
			Kind:   KindMalformed,
			Source: f.source,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("unexpected response: %s", string(body)),
		}
	}

	dec := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBodySize))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		if ctx.Err() != nil {
			return classify(f.source, ctx.Err())
		}
		return &Error{Kind: KindMalformed, Source: f.source, Status: resp.StatusCode, Err: fmt.Errorf("decode body: %w", err)}
	}
	return nil
}

// detectDrift warns when a payload no longer carries keys the parser depends on
func (f *fetcher) detectDrift(payload map[string]json.RawMessage, expected ...string) []string {
	var missing []string
	for _, key := range expected {
		if _, ok := payload[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		f.logger.WithFields(logrus.Fields{
			"source":  f.source,
			"missing": missing,
		}).Warn("Schema drift detected")
	}
	return missing
}

func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if wait := at.Sub(now); wait > 0 {
			return wait
		}
	}
	return defaultRetryAfter
}

// sortedKeys keeps request parameters and record order stable between runs
func sortedKeys(ids map[string]string) []string {
	keys := make([]string, 0, len(ids))
	for id := range ids {
		keys = append(keys, id)
	}
	sort.Strings(keys)
	return keys
}
