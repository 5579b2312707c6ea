package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/0xPuncker/price-watcher/pkg/types"
	"gopkg.in/yaml.v3"
)

const defaultAssetsPath = "config/assets.yaml"

// LoadAssets reads the tracked assets file
func LoadAssets(path string) (*types.AssetsConfig, error) {
	if path == "" {
		path = defaultAssetsPath
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read assets file: %w", err)
	}

	return ParseAssets(data)
}

func ParseAssets(data []byte) (*types.AssetsConfig, error) {
	var cfg types.AssetsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse assets file: %w", err)
	}

	if len(cfg.Assets) == 0 {
		return nil, fmt.Errorf("assets file lists no assets")
	}

	seen := make(map[string]bool, len(cfg.Assets))
	for i := range cfg.Assets {
		asset := &cfg.Assets[i]
		asset.Symbol = strings.ToUpper(strings.TrimSpace(asset.Symbol))
		if asset.Symbol == "" {
			return nil, fmt.Errorf("asset #%d has no symbol", i+1)
		}
		if seen[asset.Symbol] {
			return nil, fmt.Errorf("asset %s listed twice", asset.Symbol)
		}
		if asset.CoinGeckoID == "" && asset.PaprikaID == "" {
			return nil, fmt.Errorf("asset %s has no provider id", asset.Symbol)
		}
		seen[asset.Symbol] = true
	}

	return &cfg, nil
}

// CoinGeckoIDs maps coingecko ids to symbols
func CoinGeckoIDs(cfg *types.AssetsConfig) map[string]string {
	ids := make(map[string]string)
	for _, asset := range cfg.Assets {
		if asset.CoinGeckoID != "" {
			ids[asset.CoinGeckoID] = asset.Symbol
		}
	}
	return ids
}

// PaprikaIDs maps coinpaprika ids to symbols
func PaprikaIDs(cfg *types.AssetsConfig) map[string]string {
	ids := make(map[string]string)
	for _, asset := range cfg.Assets {
		if asset.PaprikaID != "" {
			ids[asset.PaprikaID] = asset.Symbol
		}
	}
	return ids
}
