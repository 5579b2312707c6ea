package provider

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/0xPuncker/price-watcher/pkg/types"
	"github.com/sirupsen/logrus"
)

const SourceCSV = "csv_report"

const (
	csvSymbolColumn = "Ticker"
	csvPriceColumn  = "LastPrice"
	csvTimeColumn   = "Timestamp"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// CSVFile reads a local market report. The header must carry Ticker and
// LastPrice; a Timestamp column is optional.
type CSVFile struct {
	path   string
	logger *logrus.Logger
	now    func() time.Time
}

func NewCSVFile(logger *logrus.Logger, path string) *CSVFile {
	return &CSVFile{path: path, logger: logger, now: time.Now}
}

func (c *CSVFile) Name() string {
	return SourceCSV
}

// FileName is the base name recorded with each checkpoint
func (c *CSVFile) FileName() string {
	return filepath.Base(c.path)
}

// Read returns the raw file contents. A missing file still matches os.ErrNotExist.
func (c *CSVFile) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify(SourceCSV, err)
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil, &Error{Kind: KindUnreachable, Source: SourceCSV, Err: err}
	}
	return data, nil
}

// FetchLatest reads and parses the file in one go
func (c *CSVFile) FetchLatest(ctx context.Context) (*types.RawSnapshot, error) {
	data, err := c.Read(ctx)
	if err != nil {
		return nil, err
	}
	return c.Parse(data)
}

// Parse turns file contents into a raw snapshot. Values are left for Transform
// to validate, so a bad row is skipped there rather than failing the file.
func (c *CSVFile) Parse(data []byte) (*types.RawSnapshot, error) {
	reader := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, utf8BOM)))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, &Error{Kind: KindMalformed, Source: SourceCSV, Err: errors.New("file is empty")}
	}
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Source: SourceCSV, Err: fmt.Errorf("read header: %w", err)}
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.TrimSpace(name)] = i
	}
	if missing := c.missingColumns(columns, csvSymbolColumn, csvPriceColumn); len(missing) > 0 {
		return nil, &Error{
			Kind:   KindMalformed,
			Source: SourceCSV,
			Err:    fmt.Errorf("missing columns: %s", strings.Join(missing, ", ")),
		}
	}

	snapshot := &types.RawSnapshot{
		Source:    SourceCSV,
		FetchedAt: c.now().UTC(),
		Sources:   []string{SourceCSV},
	}

	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &Error{Kind: KindMalformed, Source: SourceCSV, Err: fmt.Errorf("read row: %w", err)}
		}

		snapshot.Records = append(snapshot.Records, types.RawRecord{
			Source:     SourceCSV,
			Symbol:     field(row, columns, csvSymbolColumn),
			Price:      json.Number(field(row, columns, csvPriceColumn)),
			ObservedAt: field(row, columns, csvTimeColumn),
		})
	}

	return snapshot, nil
}

func (c *CSVFile) missingColumns(columns map[string]int, expected ...string) []string {
	var missing []string
	for _, name := range expected {
		if _, ok := columns[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		c.logger.WithFields(logrus.Fields{
			"source":  SourceCSV,
			"file":    c.FileName(),
			"missing": missing,
		}).Warn("Schema drift detected")
	}
	return missing
}

func field(row []string, columns map[string]int, name string) string {
	i, ok := columns[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// Digest identifies file contents for idempotent ingestion
func Digest(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
