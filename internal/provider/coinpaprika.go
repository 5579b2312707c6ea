package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/0xPuncker/price-watcher/pkg/types"
	"github.com/sirupsen/logrus"
)

const SourceCoinPaprika = "coinpaprika"

// CoinPaprika has no batch endpoint, so each coin is one tickers/{id} request
type CoinPaprika struct {
	fetcher
	baseURL string
	ids     map[string]string
}

type paprikaQuote struct {
	Price json.Number `json:"price"`
}

type paprikaTicker struct {
	Symbol      string
	LastUpdated string
	Quotes      map[string]paprikaQuote
}

// NewCoinPaprika takes a map of coinpaprika ids to symbols
func NewCoinPaprika(logger *logrus.Logger, client *http.Client, baseURL string, ids map[string]string) *CoinPaprika {
	return &CoinPaprika{
		fetcher: newFetcher(SourceCoinPaprika, client, logger),
		baseURL: strings.TrimRight(baseURL, "/"),
		ids:     ids,
	}
}

func (c *CoinPaprika) Name() string {
	return SourceCoinPaprika
}

// FetchLatest fails only when no ticker could be fetched; single coin failures are logged
func (c *CoinPaprika) FetchLatest(ctx context.Context) (*types.RawSnapshot, error) {
	snapshot := &types.RawSnapshot{
		Source:    SourceCoinPaprika,
		FetchedAt: c.now().UTC(),
		Sources:   []string{SourceCoinPaprika},
	}

	var errs []error
	for _, id := range sortedKeys(c.ids) {
		record, err := c.fetchTicker(ctx, id)
		if err != nil {
			if IsKind(err, KindRateLimited) || ctx.Err() != nil {
				// the remaining coins would hit the same wall
				return nil, err
			}
			c.logger.WithFields(logrus.Fields{
				"source": SourceCoinPaprika,
				"id":     id,
				"error":  err.Error(),
			}).Warn("Ticker fetch failed")
			errs = append(errs, err)
			continue
		}
		snapshot.Records = append(snapshot.Records, record)
	}

	if len(snapshot.Records) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return snapshot, nil
}

func (c *CoinPaprika) fetchTicker(ctx context.Context, id string) (types.RawRecord, error) {
	var payload map[string]json.RawMessage
	if err := c.getJSON(ctx, c.baseURL+"/tickers/"+url.PathEscape(id), nil, &payload); err != nil {
		return types.RawRecord{}, err
	}

	c.detectDrift(payload, "symbol", "name", "quotes")

	var ticker paprikaTicker
	for key, dst := range map[string]any{
		"symbol":       &ticker.Symbol,
		"last_updated": &ticker.LastUpdated,
		"quotes":       &ticker.Quotes,
	} {
		raw, ok := payload[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return types.RawRecord{}, &Error{Kind: KindMalformed, Source: SourceCoinPaprika, Err: fmt.Errorf("field %s: %w", key, err)}
		}
	}

	symbol := ticker.Symbol
	if symbol == "" {
		symbol = c.ids[id]
	}

	return types.RawRecord{
		Source:     SourceCoinPaprika,
		Symbol:     symbol,
		Price:      ticker.Quotes["USD"].Price,
		ObservedAt: ticker.LastUpdated,
	}, nil
}
