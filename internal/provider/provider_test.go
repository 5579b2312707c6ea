package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/0xPuncker/price-watcher/internal/testutil"
	"github.com/0xPuncker/price-watcher/pkg/types"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var geckoIDs = map[string]string{"bitcoin": "BTC", "ethereum": "ETH"}

func TestCoinGeckoFetchLatest(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/simple/price", r.URL.Path)
		assert.Equal(t, "bitcoin,ethereum", r.URL.Query().Get("ids"))
		assert.Equal(t, "usd", r.URL.Query().Get("vs_currencies"))
		assert.Equal(t, "cg-key", r.Header.Get("x-cg-demo-api-key"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"bitcoin": {"usd": 65000.123456789, "last_updated_at": 1772366400},
			"ethereum": {"usd": 3200.5, "last_updated_at": 1772366410}
		}`))
	}))
	defer ts.Close()

	logger, _ := test.NewNullLogger()
	client := NewCoinGecko(logger, ts.Client(), ts.URL, "cg-key", geckoIDs)

	snap, err := client.FetchLatest(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Records, 2)

	assert.Equal(t, SourceCoinGecko, snap.Source)
	assert.Equal(t, types.RawRecord{
		Source:     SourceCoinGecko,
		Symbol:     "BTC",
		Price:      "65000.123456789",
		ObservedAt: "1772366400",
	}, snap.Records[0])
	assert.Equal(t, "ETH", snap.Records[1].Symbol)
}

func TestCoinGeckoSchemaDrift(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"bitcoin": {"usd": 65000}}`))
	}))
	defer ts.Close()

	logger, hook := test.NewNullLogger()
	snap, err := NewCoinGecko(logger, ts.Client(), ts.URL, "", geckoIDs).FetchLatest(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Records, 1)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "Schema drift detected", entry.Message)
	assert.Equal(t, []string{"ethereum"}, entry.Data["missing"])
}

func TestFetchErrorKinds(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		kind    Kind
	}{
		{
			name: "rate limited",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "120")
				w.WriteHeader(http.StatusTooManyRequests)
			},
			kind: KindRateLimited,
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			kind: KindUnreachable,
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`<html>maintenance</html>`))
			},
			kind: KindMalformed,
		},
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(time.Second):
				}
			},
			kind: KindTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(tt.handler)
			defer ts.Close()

			logger, _ := test.NewNullLogger()
			httpClient := ts.Client()
			httpClient.Timeout = 50 * time.Millisecond

			_, err := NewCoinGecko(logger, httpClient, ts.URL, "", geckoIDs).FetchLatest(context.Background())
			require.Error(t, err)

			var perr *Error
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.kind, perr.Kind, err.Error())
			assert.Equal(t, SourceCoinGecko, perr.Source)
		})
	}
}

func TestRateLimitCooldownSkipsProvider(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	logger, _ := test.NewNullLogger()
	client := NewCoinGecko(logger, ts.Client(), ts.URL, "", geckoIDs)

	_, err := client.FetchLatest(context.Background())
	require.True(t, IsKind(err, KindRateLimited))

	_, err = client.FetchLatest(context.Background())
	require.True(t, IsKind(err, KindRateLimited))
	assert.False(t, IsTransient(err))

	assert.Equal(t, int32(1), calls.Load())
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, 90*time.Second, parseRetryAfter("90", now))
	assert.Equal(t, defaultRetryAfter, parseRetryAfter("", now))
	assert.Equal(t, defaultRetryAfter, parseRetryAfter("soon", now))
	assert.Equal(t, 2*time.Minute, parseRetryAfter(now.Add(2*time.Minute).Format(http.TimeFormat), now))
}

func TestCoinPaprikaFetchLatest(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tickers/btc-bitcoin":
			w.Write([]byte(`{
				"id": "btc-bitcoin", "name": "Bitcoin", "symbol": "BTC",
				"last_updated": "2026-03-01T12:00:00Z",
				"quotes": {"USD": {"price": 64990.1}}
			}`))
		case "/tickers/eth-ethereum":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	logger, hook := test.NewNullLogger()
	ids := map[string]string{"btc-bitcoin": "BTC", "eth-ethereum": "ETH"}

	snap, err := NewCoinPaprika(logger, ts.Client(), ts.URL, ids).FetchLatest(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Records, 1)

	assert.Equal(t, "BTC", snap.Records[0].Symbol)
	assert.Equal(t, "64990.1", snap.Records[0].Price.String())
	assert.Equal(t, "2026-03-01T12:00:00Z", snap.Records[0].ObservedAt)
	assert.Equal(t, "Ticker fetch failed", hook.LastEntry().Message)
}

func TestCoinPaprikaAllTickersFail(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	logger, _ := test.NewNullLogger()
	_, err := NewCoinPaprika(logger, ts.Client(), ts.URL, map[string]string{"btc-bitcoin": "BTC"}).FetchLatest(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

type stubClient struct {
	name     string
	snapshot *types.RawSnapshot
	err      error
}

func (s stubClient) Name() string { return s.name }

func (s stubClient) FetchLatest(context.Context) (*types.RawSnapshot, error) {
	return s.snapshot, s.err
}

func TestMultiMergesSources(t *testing.T) {
	logger, _ := test.NewNullLogger()
	now := time.Now().UTC()

	multi := NewMulti(logger,
		stubClient{name: "a", snapshot: &types.RawSnapshot{FetchedAt: now, Records: []types.RawRecord{{Source: "a", Symbol: "BTC", Price: "1"}}}},
		stubClient{name: "b", err: &Error{Kind: KindTimeout, Source: "b"}},
		stubClient{name: "c", snapshot: &types.RawSnapshot{FetchedAt: now, Records: []types.RawRecord{{Source: "c", Symbol: "ETH", Price: "2"}}}},
	)

	snap, err := multi.FetchLatest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, snap.Sources)
	require.Len(t, snap.Records, 2)
	assert.Equal(t, "a", snap.Records[0].Source)
	assert.Equal(t, "c", snap.Records[1].Source)
}

func TestMultiFailsWhenEverySourceFails(t *testing.T) {
	logger, _ := test.NewNullLogger()

	multi := NewMulti(logger,
		stubClient{name: "a", err: &Error{Kind: KindTimeout, Source: "a"}},
		stubClient{name: "b", err: errors.New("boom")},
	)

	_, err := multi.FetchLatest(context.Background())
	require.Error(t, err)
	assert.True(t, IsKind(err, KindTimeout))
}

func TestFromAssets(t *testing.T) {
	ps := testutil.NewProviderServer(t)
	logger, _ := testutil.NewLogger()
	endpoints := Endpoints{CoinGeckoURL: ps.GeckoURL(), CoinPaprikaURL: ps.PaprikaURL(), APIKey: "cg-key"}

	multi := FromAssets(logger, ps.Client(), testutil.Assets(), endpoints)
	require.Len(t, multi.clients, 2)

	snap, err := multi.FetchLatest(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Records, 4)
	assert.Equal(t, int32(1), ps.GeckoCalls.Load())
	assert.Equal(t, int32(2), ps.PaprikaCalls.Load())

	geckoOnly := &types.AssetsConfig{Assets: []types.Asset{{Symbol: "BTC", CoinGeckoID: "bitcoin"}}}
	multi = FromAssets(logger, ps.Client(), geckoOnly, endpoints)
	require.Len(t, multi.clients, 1)
	assert.Equal(t, SourceCoinGecko, multi.clients[0].Name())
}
