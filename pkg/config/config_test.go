package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleAssets = `
assets:
  - symbol: btc
    coingecko_id: bitcoin
    coinpaprika_id: btc-bitcoin
  - symbol: ETH
    coingecko_id: ethereum
`

func TestParseAssets(t *testing.T) {
	cfg, err := ParseAssets([]byte(sampleAssets))
	require.NoError(t, err)
	require.Len(t, cfg.Assets, 2)

	assert.Equal(t, "BTC", cfg.Assets[0].Symbol)
	assert.Equal(t, map[string]string{"bitcoin": "BTC", "ethereum": "ETH"}, CoinGeckoIDs(cfg))
	assert.Equal(t, map[string]string{"btc-bitcoin": "BTC"}, PaprikaIDs(cfg))
}

func TestParseAssetsErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", "assets: []"},
		{"invalid yaml", "assets: [:"},
		{"missing symbol", "assets:\n  - coingecko_id: bitcoin"},
		{"duplicate", "assets:\n  - {symbol: BTC, coingecko_id: bitcoin}\n  - {symbol: btc, coingecko_id: bitcoin}"},
		{"no provider id", "assets:\n  - symbol: BTC"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAssets([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestLoadAssets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleAssets), 0o600))

	cfg, err := LoadAssets(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Assets, 2)

	_, err = LoadAssets(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
