// Package testutil holds fakes shared by package tests.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/0xPuncker/price-watcher/pkg/types"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// LastUpdated is the observation time every fake quote reports
const LastUpdated = 1772366400

// NewLogger returns a silent logger at debug level and the hook capturing its entries
func NewLogger() (*logrus.Logger, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logger, hook
}

// Assets is the tracked asset list the fake providers know about
func Assets() *types.AssetsConfig {
	return &types.AssetsConfig{Assets: []types.Asset{
		{Symbol: "BTC", CoinGeckoID: "bitcoin", PaprikaID: "btc-bitcoin"},
		{Symbol: "ETH", CoinGeckoID: "ethereum", PaprikaID: "eth-ethereum"},
	}}
}

// ProviderServer serves canned CoinGecko responses under /gecko and
// CoinPaprika responses under /paprika
type ProviderServer struct {
	*httptest.Server
	GeckoCalls   atomic.Int32
	PaprikaCalls atomic.Int32

	// GeckoStatus overrides the CoinGecko status code when set
	GeckoStatus atomic.Int32
}

var prices = map[string]string{
	"bitcoin":      "65000.5",
	"ethereum":     "3200.25",
	"btc-bitcoin":  "65010.75",
	"eth-ethereum": "3199.5",
}

func NewProviderServer(t *testing.T) *ProviderServer {
	t.Helper()
	ps := &ProviderServer{}

	mux := http.NewServeMux()
	mux.HandleFunc("/gecko/simple/price", func(w http.ResponseWriter, r *http.Request) {
		ps.GeckoCalls.Add(1)
		if status := ps.GeckoStatus.Load(); status != 0 {
			w.WriteHeader(int(status))
			return
		}

		var quotes []string
		for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
			if price, ok := prices[id]; ok {
				quotes = append(quotes, fmt.Sprintf(`%q: {"usd": %s, "last_updated_at": %d}`, id, price, LastUpdated))
			}
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, "{%s}", strings.Join(quotes, ","))
	})
	mux.HandleFunc("/paprika/tickers/{id}", func(w http.ResponseWriter, r *http.Request) {
		ps.PaprikaCalls.Add(1)
		id := r.PathValue("id")
		price, ok := prices[id]
		if !ok {
			http.NotFound(w, r)
			return
		}

		symbol := strings.ToUpper(strings.SplitN(id, "-", 2)[0])
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id": %q, "name": %q, "symbol": %q, "last_updated": "2026-03-01T12:00:00Z", "quotes": {"USD": {"price": %s}}}`,
			id, id, symbol, price)
	})

	ps.Server = httptest.NewServer(mux)
	t.Cleanup(ps.Close)
	return ps
}

func (ps *ProviderServer) GeckoURL() string {
	return ps.URL + "/gecko"
}

func (ps *ProviderServer) PaprikaURL() string {
	return ps.URL + "/paprika"
}
