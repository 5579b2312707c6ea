package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/0xPuncker/price-watcher/pkg/types"
	"github.com/sirupsen/logrus"
)

const SourceCoinGecko = "coingecko"

// CoinGecko batches every tracked coin into one simple/price request
type CoinGecko struct {
	fetcher
	baseURL string
	apiKey  string
	ids     map[string]string
}

// NewCoinGecko takes a map of coingecko ids to symbols
func NewCoinGecko(logger *logrus.Logger, client *http.Client, baseURL, apiKey string, ids map[string]string) *CoinGecko {
	return &CoinGecko{
		fetcher: newFetcher(SourceCoinGecko, client, logger),
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		ids:     ids,
	}
}

func (c *CoinGecko) Name() string {
	return SourceCoinGecko
}

func (c *CoinGecko) FetchLatest(ctx context.Context) (*types.RawSnapshot, error) {
	ids := sortedKeys(c.ids)

	params := url.Values{}
	params.Set("ids", strings.Join(ids, ","))
	params.Set("vs_currencies", "usd")
	params.Set("include_last_updated_at", "true")

	header := http.Header{}
	if c.apiKey != "" {
		header.Set("x-cg-demo-api-key", c.apiKey)
	}

	fetchedAt := c.now().UTC()
	var payload map[string]json.RawMessage
	if err := c.getJSON(ctx, c.baseURL+"/simple/price?"+params.Encode(), header, &payload); err != nil {
		return nil, err
	}

	c.detectDrift(payload, ids...)

	snapshot := &types.RawSnapshot{
		Source:    SourceCoinGecko,
		FetchedAt: fetchedAt,
		Sources:   []string{SourceCoinGecko},
	}
	for _, id := range ids {
		raw, ok := payload[id]
		if !ok {
			continue
		}

		var quote map[string]json.Number
		if err := json.Unmarshal(raw, &quote); err != nil {
			// keep the record so the transform step counts it as skipped
			c.logger.WithFields(logrus.Fields{"source": SourceCoinGecko, "id": id}).Debugf("Unreadable quote: %v", err)
			quote = nil
		}

		snapshot.Records = append(snapshot.Records, types.RawRecord{
			Source:     SourceCoinGecko,
			Symbol:     c.ids[id],
			Price:      quote["usd"],
			ObservedAt: quote["last_updated_at"].String(),
		})
	}

	return snapshot, nil
}
