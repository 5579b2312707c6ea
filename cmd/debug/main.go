package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/0xPuncker/price-watcher/internal/config"
	"github.com/0xPuncker/price-watcher/internal/etl"
	"github.com/0xPuncker/price-watcher/internal/provider"
	assetsconfig "github.com/0xPuncker/price-watcher/pkg/config"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// debug fetches every configured provider once and prints the batch the ETL
// job would load. Nothing is written to the database.
func main() {
	_ = godotenv.Load()

	defaults := config.DefaultConfig().Provider

	assetsPath := flag.String("assets", defaults.AssetsFile, "path to assets file")
	timeout := flag.Duration("timeout", 10*time.Second, "provider timeout")
	flag.Parse()

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	assets, err := assetsconfig.LoadAssets(*assetsPath)
	if err != nil {
		logger.Fatalf("Failed to load assets: %v", err)
	}

	client := provider.FromAssets(logger, provider.NewHTTPClient(*timeout), assets, endpoints(defaults))

	ctx, cancel := context.WithTimeout(context.Background(), 2*(*timeout))
	defer cancel()

	snapshot, err := client.FetchLatest(ctx)
	if err != nil {
		logger.Fatalf("Fetch failed: %v", err)
	}
	fmt.Printf("Fetched %d raw records from %v at %s\n", len(snapshot.Records), snapshot.Sources, snapshot.FetchedAt.Format(time.RFC3339))

	records, rejected, err := etl.Transform(snapshot)
	for _, r := range rejected {
		fmt.Printf("Rejected %s/%s: %s\n", r.Record.Source, r.Record.Symbol, r.Reason)
	}
	if err != nil {
		logger.Fatalf("Transform failed: %v", err)
	}

	out, _ := json.MarshalIndent(records, "", "  ")
	fmt.Println(string(out))
}

// endpoints applies the same environment overrides as the server config
func endpoints(defaults config.ProviderConfig) provider.Endpoints {
	return provider.Endpoints{
		CoinGeckoURL:   envOr("COINGECKO_URL", defaults.CoinGeckoURL),
		CoinPaprikaURL: envOr("COINPAPRIKA_URL", defaults.CoinPaprikaURL),
		APIKey:         os.Getenv("PROVIDER_API_KEY"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
