package etl

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/0xPuncker/price-watcher/pkg/types"
	"github.com/shopspring/decimal"
)

var (
	ErrEmptySnapshot  = errors.New("provider returned no records")
	ErrNoValidRecords = errors.New("no valid records in snapshot")
)

// Rejection explains why one raw record was skipped
type Rejection struct {
	Record types.RawRecord
	Reason string
}

// Transform validates and normalises a snapshot. Invalid records are skipped
// and reported; the batch fails only when nothing valid is left.
func Transform(snapshot *types.RawSnapshot) ([]types.PriceRecord, []Rejection, error) {
	if snapshot == nil || len(snapshot.Records) == 0 {
		return nil, nil, ErrEmptySnapshot
	}

	records := make([]types.PriceRecord, 0, len(snapshot.Records))
	var rejected []Rejection

	for _, raw := range snapshot.Records {
		record, err := normalise(raw, snapshot)
		if err != nil {
			rejected = append(rejected, Rejection{Record: raw, Reason: err.Error()})
			continue
		}
		records = append(records, record)
	}

	if len(records) == 0 {
		return nil, rejected, fmt.Errorf("%w: %d rejected", ErrNoValidRecords, len(rejected))
	}
	return records, rejected, nil
}

func normalise(raw types.RawRecord, snapshot *types.RawSnapshot) (types.PriceRecord, error) {
	symbol := strings.ToUpper(strings.TrimSpace(raw.Symbol))
	if symbol == "" {
		return types.PriceRecord{}, errors.New("missing symbol")
	}

	source := raw.Source
	if source == "" {
		source = snapshot.Source
	}
	if source == "" {
		return types.PriceRecord{}, errors.New("missing source")
	}

	if raw.Price == "" {
		return types.PriceRecord{}, errors.New("missing price")
	}
	price, err := decimal.NewFromString(raw.Price.String())
	if err != nil {
		return types.PriceRecord{}, fmt.Errorf("unparseable price %q", raw.Price)
	}
	if !price.IsPositive() {
		return types.PriceRecord{}, fmt.Errorf("non-positive price %s", price)
	}

	observedAt, err := parseObservedAt(raw.ObservedAt, snapshot.FetchedAt)
	if err != nil {
		return types.PriceRecord{}, err
	}

	return types.PriceRecord{
		Symbol:     symbol,
		Source:     source,
		PriceUSD:   price,
		ObservedAt: observedAt,
	}, nil
}

// parseObservedAt accepts RFC3339 or unix seconds and falls back to the fetch time
func parseObservedAt(value string, fetchedAt time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		if fetchedAt.IsZero() {
			return time.Time{}, errors.New("missing observation time")
		}
		return fetchedAt.UTC().Truncate(time.Second), nil
	}

	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unparseable observation time %q", value)
}
