package types

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ConnectionTarget identifies the PostgreSQL instance backing the service
type ConnectionTarget struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

func (t ConnectionTarget) sslMode() string {
	if t.SSLMode == "" {
		return "disable"
	}
	return t.SSLMode
}

// DSN renders a lib/pq key/value connection string. Every value is quoted
// so spaces, quotes and backslashes survive parsing.
func (t ConnectionTarget) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		quoteDSN(t.Host), t.Port, quoteDSN(t.User), quoteDSN(t.Password), quoteDSN(t.Database), quoteDSN(t.sslMode()))
}

var dsnEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

func quoteDSN(value string) string {
	return "'" + dsnEscaper.Replace(value) + "'"
}

// URL renders the target as a postgres:// URL
func (t ConnectionTarget) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(t.User, t.Password),
		Host:     fmt.Sprintf("%s:%d", t.Host, t.Port),
		Path:     "/" + t.Database,
		RawQuery: "sslmode=" + t.sslMode(),
	}
	return u.String()
}

// String is safe to log: the password is never printed
func (t ConnectionTarget) String() string {
	return fmt.Sprintf("%s@%s:%d/%s", t.User, t.Host, t.Port, t.Database)
}

// PriceRecord is one validated observation ready to persist
type PriceRecord struct {
	Symbol     string          `json:"symbol"`
	Source     string          `json:"source"`
	PriceUSD   decimal.Decimal `json:"price_usd"`
	ObservedAt time.Time       `json:"observed_at"`
}

// RawRecord keeps the provider's values untouched until transform
type RawRecord struct {
	Source     string      `json:"source,omitempty"`
	Symbol     string      `json:"symbol"`
	Price      json.Number `json:"price"`
	ObservedAt string      `json:"observed_at,omitempty"`
}

// RawSnapshot is what a provider returned for one fetch
type RawSnapshot struct {
	Source    string      `json:"source"`
	FetchedAt time.Time   `json:"fetched_at"`
	Records   []RawRecord `json:"records"`
	Sources   []string    `json:"sources,omitempty"`
}

// Asset is a tracked coin and its id on each provider
type Asset struct {
	Symbol      string `yaml:"symbol"`
	CoinGeckoID string `yaml:"coingecko_id"`
	PaprikaID   string `yaml:"coinpaprika_id"`
}

// AssetsConfig represents the tracked assets file
type AssetsConfig struct {
	Assets []Asset `yaml:"assets"`
}
