package provider

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "market_data.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestCSVFileFetchLatest(t *testing.T) {
	path := writeCSV(t, "\ufeffTicker,LastPrice,Volume,Timestamp\n"+
		"BTC,65000.5,1200,2026-03-01T12:00:00Z\n"+
		"eth, 3200.25 ,800,\n"+
		"SOL\n")

	logger, _ := test.NewNullLogger()
	client := NewCSVFile(logger, path)
	fetchedAt := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	client.now = func() time.Time { return fetchedAt }

	snap, err := client.FetchLatest(context.Background())
	require.NoError(t, err)

	assert.Equal(t, SourceCSV, snap.Source)
	assert.Equal(t, []string{SourceCSV}, snap.Sources)
	assert.Equal(t, fetchedAt, snap.FetchedAt)
	require.Len(t, snap.Records, 3)

	assert.Equal(t, "BTC", snap.Records[0].Symbol)
	assert.Equal(t, "65000.5", snap.Records[0].Price.String())
	assert.Equal(t, "2026-03-01T12:00:00Z", snap.Records[0].ObservedAt)

	assert.Equal(t, "eth", snap.Records[1].Symbol)
	assert.Equal(t, "3200.25", snap.Records[1].Price.String())
	assert.Empty(t, snap.Records[1].ObservedAt)

	// short rows are kept for transform to reject
	assert.Equal(t, "SOL", snap.Records[2].Symbol)
	assert.Empty(t, snap.Records[2].Price)
}

func TestCSVFileMissingColumns(t *testing.T) {
	logger, hook := test.NewNullLogger()
	client := NewCSVFile(logger, writeCSV(t, "timestamp,price_usd\n2026-03-01,65000\n"))

	_, err := client.FetchLatest(context.Background())
	require.Error(t, err)
	assert.True(t, IsKind(err, KindMalformed))
	assert.Contains(t, err.Error(), "LastPrice, Ticker")

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "Schema drift detected", entry.Message)
	assert.Equal(t, "market_data.csv", entry.Data["file"])
}

func TestCSVFileEmpty(t *testing.T) {
	logger, _ := test.NewNullLogger()
	_, err := NewCSVFile(logger, writeCSV(t, "")).FetchLatest(context.Background())
	assert.True(t, IsKind(err, KindMalformed))
}

func TestCSVFileNotFound(t *testing.T) {
	logger, _ := test.NewNullLogger()
	_, err := NewCSVFile(logger, filepath.Join(t.TempDir(), "missing.csv")).FetchLatest(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
	assert.True(t, IsKind(err, KindUnreachable))
}

func TestDigest(t *testing.T) {
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", Digest(nil))
	assert.Equal(t, Digest([]byte("Ticker,LastPrice\n")), Digest([]byte("Ticker,LastPrice\n")))
	assert.NotEqual(t, Digest([]byte("a")), Digest([]byte("b")))
}
