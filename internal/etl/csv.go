package etl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/0xPuncker/price-watcher/internal/provider"
	"github.com/0xPuncker/price-watcher/internal/storage"
	"github.com/0xPuncker/price-watcher/pkg/types"
	"github.com/sirupsen/logrus"
)

const (
	FileProcessed = "processed"
	FileSkipped   = "idempotent_skip"
)

// CheckpointStore loads a file's records together with its checkpoint
type CheckpointStore interface {
	CheckpointExists(ctx context.Context, fileHash string) (bool, error)
	IngestFile(ctx context.Context, cp types.IngestionCheckpoint, records []types.PriceRecord) (int, error)
}

type FileResult struct {
	Status          string `json:"status"`
	Message         string `json:"message"`
	File            string `json:"file"`
	FileHash        string `json:"file_hash"`
	RecordsIngested int    `json:"records_ingested"`
	RecordsSkipped  int    `json:"records_skipped"`
}

// FileIngester loads a local CSV report at most once per distinct content
type FileIngester struct {
	logger *logrus.Logger
	file   *provider.CSVFile
	store  CheckpointStore
	now    func() time.Time
}

func NewFileIngester(logger *logrus.Logger, file *provider.CSVFile, store CheckpointStore) *FileIngester {
	return &FileIngester{logger: logger, file: file, store: store, now: time.Now}
}

// Ingest reads the file, skips it when its digest is already checkpointed,
// and otherwise loads it. A provider.Error with KindUnreachable wrapping
// os.ErrNotExist means the file is missing.
func (i *FileIngester) Ingest(ctx context.Context) (FileResult, error) {
	data, err := i.file.Read(ctx)
	if err != nil {
		return FileResult{}, err
	}

	result := FileResult{File: i.file.FileName(), FileHash: provider.Digest(data)}
	logger := i.logger.WithFields(logrus.Fields{
		"file":      result.File,
		"file_hash": result.FileHash,
	})

	exists, err := i.store.CheckpointExists(ctx, result.FileHash)
	if err != nil {
		return FileResult{}, err
	}
	if exists {
		return i.skipped(logger, result), nil
	}

	snapshot, err := i.file.Parse(data)
	if err != nil {
		return FileResult{}, err
	}
	records, rejected, err := Transform(snapshot)
	result.RecordsSkipped = len(rejected)
	for _, r := range rejected {
		logger.WithFields(logrus.Fields{
			"symbol": r.Record.Symbol,
			"reason": r.Reason,
		}).Warn("Skipping invalid record")
	}
	if err != nil {
		return FileResult{}, fmt.Errorf("transform %s: %w", result.File, err)
	}

	written, err := i.store.IngestFile(ctx, types.IngestionCheckpoint{
		FileHash:    result.FileHash,
		SourceFile:  result.File,
		Records:     len(records),
		ProcessedAt: i.now().UTC(),
	}, records)
	if errors.Is(err, storage.ErrAlreadyIngested) {
		// a concurrent request committed the same file first
		return i.skipped(logger, result), nil
	}
	if err != nil {
		return FileResult{}, fmt.Errorf("load %s: %w", result.File, err)
	}

	result.Status = FileProcessed
	result.RecordsIngested = written
	result.Message = fmt.Sprintf("Successfully ingested %d new records.", written)
	logger.WithFields(logrus.Fields{
		"ingested": written,
		"skipped":  result.RecordsSkipped,
	}).Info("CSV file ingested")
	return result, nil
}

func (i *FileIngester) skipped(logger *logrus.Entry, result FileResult) FileResult {
	logger.Info("CSV file already processed, skipping")
	result.Status = FileSkipped
	result.Message = "Skipped: File already processed."
	result.RecordsSkipped = 0
	return result
}
