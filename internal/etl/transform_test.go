package etl

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/0xPuncker/price-watcher/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fetchedAt = time.Date(2026, 3, 1, 12, 0, 30, 500, time.UTC)

func TestTransformSkipsInvalidRecords(t *testing.T) {
	snapshot := &types.RawSnapshot{Source: "coingecko", FetchedAt: fetchedAt}
	for i := 0; i < 9; i++ {
		snapshot.Records = append(snapshot.Records, types.RawRecord{
			Symbol: fmt.Sprintf("c%d", i),
			Price:  json.Number("1.5"),
		})
	}
	snapshot.Records = append(snapshot.Records, types.RawRecord{Symbol: "BAD", Price: "not-a-number"})

	records, rejected, err := Transform(snapshot)
	require.NoError(t, err)
	assert.Len(t, records, 9)
	require.Len(t, rejected, 1)
	assert.Equal(t, "BAD", rejected[0].Record.Symbol)

	assert.Equal(t, "C0", records[0].Symbol)
	assert.Equal(t, "coingecko", records[0].Source)
	assert.Equal(t, fetchedAt.Truncate(time.Second), records[0].ObservedAt)
}

func TestTransformRecordRules(t *testing.T) {
	tests := []struct {
		name   string
		record types.RawRecord
		valid  bool
		want   types.PriceRecord
	}{
		{
			name:   "rfc3339 time",
			record: types.RawRecord{Source: "coinpaprika", Symbol: " btc ", Price: "64990.10", ObservedAt: "2026-03-01T12:00:00Z"},
			valid:  true,
			want: types.PriceRecord{
				Symbol:     "BTC",
				Source:     "coinpaprika",
				PriceUSD:   decimal.RequireFromString("64990.1"),
				ObservedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			},
		},
		{
			name:   "unix time",
			record: types.RawRecord{Symbol: "ETH", Price: "3200.5", ObservedAt: "1772366400"},
			valid:  true,
			want: types.PriceRecord{
				Symbol:     "ETH",
				Source:     "coingecko",
				PriceUSD:   decimal.RequireFromString("3200.5"),
				ObservedAt: time.Unix(1772366400, 0).UTC(),
			},
		},
		{name: "empty symbol", record: types.RawRecord{Symbol: "  ", Price: "1"}},
		{name: "missing price", record: types.RawRecord{Symbol: "BTC"}},
		{name: "zero price", record: types.RawRecord{Symbol: "BTC", Price: "0"}},
		{name: "negative price", record: types.RawRecord{Symbol: "BTC", Price: "-3"}},
		{name: "bad time", record: types.RawRecord{Symbol: "BTC", Price: "1", ObservedAt: "yesterday"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snapshot := &types.RawSnapshot{
				Source:    "coingecko",
				FetchedAt: fetchedAt,
				Records:   []types.RawRecord{tt.record, {Symbol: "OK", Price: "1"}},
			}

			records, rejected, err := Transform(snapshot)
			require.NoError(t, err)

			if !tt.valid {
				assert.Len(t, rejected, 1)
				assert.Len(t, records, 1)
				return
			}
			require.Len(t, records, 2)
			assert.Empty(t, rejected)
			assert.Equal(t, tt.want.Symbol, records[0].Symbol)
			assert.Equal(t, tt.want.Source, records[0].Source)
			assert.True(t, tt.want.PriceUSD.Equal(records[0].PriceUSD))
			assert.Equal(t, tt.want.ObservedAt, records[0].ObservedAt)
		})
	}
}

func TestTransformWholeBatchFailures(t *testing.T) {
	_, _, err := Transform(&types.RawSnapshot{Source: "coingecko"})
	assert.ErrorIs(t, err, ErrEmptySnapshot)

	_, _, err = Transform(nil)
	assert.ErrorIs(t, err, ErrEmptySnapshot)

	_, rejected, err := Transform(&types.RawSnapshot{
		Source:    "coingecko",
		FetchedAt: fetchedAt,
		Records:   []types.RawRecord{{Symbol: "BTC"}, {Symbol: "", Price: "1"}},
	})
	assert.ErrorIs(t, err, ErrNoValidRecords)
	assert.Len(t, rejected, 2)
}
