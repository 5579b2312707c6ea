package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/0xPuncker/price-watcher/pkg/config"
	"github.com/0xPuncker/price-watcher/pkg/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const SourceMulti = "multi"

// Multi queries several providers concurrently and merges their snapshots
type Multi struct {
	clients []Client
	logger  *logrus.Logger
}

func NewMulti(logger *logrus.Logger, clients ...Client) *Multi {
	return &Multi{clients: clients, logger: logger}
}

func (m *Multi) Name() string {
	return SourceMulti
}

// FetchLatest succeeds when at least one provider answered. Records keep the
// order of the configured clients.
func (m *Multi) FetchLatest(ctx context.Context) (*types.RawSnapshot, error) {
	if len(m.clients) == 0 {
		return nil, &Error{Kind: KindUnreachable, Source: SourceMulti, Err: errors.New("no providers configured")}
	}

	snapshots := make([]*types.RawSnapshot, len(m.clients))
	errs := make([]error, len(m.clients))

	var g errgroup.Group
	for i, client := range m.clients {
		g.Go(func() error {
			snapshots[i], errs[i] = client.FetchLatest(ctx)
			return nil
		})
	}
	_ = g.Wait()

	merged := &types.RawSnapshot{Source: SourceMulti, FetchedAt: time.Now().UTC()}
	var failed []error
	for i, client := range m.clients {
		if errs[i] != nil {
			m.logger.WithFields(logrus.Fields{
				"source": client.Name(),
				"error":  errs[i].Error(),
			}).Warn("Provider fetch failed")
			failed = append(failed, errs[i])
			continue
		}
		snap := snapshots[i]
		merged.Records = append(merged.Records, snap.Records...)
		merged.Sources = append(merged.Sources, client.Name())
		if snap.FetchedAt.Before(merged.FetchedAt) {
			merged.FetchedAt = snap.FetchedAt
		}
	}

	if len(merged.Sources) == 0 {
		return nil, fmt.Errorf("all %d providers failed: %w", len(m.clients), errors.Join(failed...))
	}
	return merged, nil
}

// Endpoints configures the concrete providers built by FromAssets
type Endpoints struct {
	CoinGeckoURL   string
	CoinPaprikaURL string
	APIKey         string
}

// FromAssets builds one client per provider that tracks at least one asset,
// fanned out through Multi
func FromAssets(logger *logrus.Logger, client *http.Client, assets *types.AssetsConfig, endpoints Endpoints) *Multi {
	var clients []Client
	if ids := config.CoinGeckoIDs(assets); len(ids) > 0 {
		clients = append(clients, NewCoinGecko(logger, client, endpoints.CoinGeckoURL, endpoints.APIKey, ids))
	}
	if ids := config.PaprikaIDs(assets); len(ids) > 0 {
		clients = append(clients, NewCoinPaprika(logger, client, endpoints.CoinPaprikaURL, ids))
	}
	return NewMulti(logger, clients...)
}
