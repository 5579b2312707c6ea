package api

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/0xPuncker/price-watcher/internal/cron"
	"github.com/0xPuncker/price-watcher/internal/etl"
	"github.com/0xPuncker/price-watcher/internal/provider"
	"github.com/0xPuncker/price-watcher/internal/storage"
	"github.com/0xPuncker/price-watcher/pkg/types"
	"github.com/gorilla/mux"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	baselineSize    = 10
	statsCacheKey   = "stats"
	requestTimeout  = 5 * time.Second
)

// Store is the read side of the persistence layer
type Store interface {
	Ping(ctx context.Context) error
	ListPrices(ctx context.Context, page, limit int, symbol string) ([]types.PriceRecord, error)
	LatestPrice(ctx context.Context, symbol string) (types.PriceRecord, error)
	ListRuns(ctx context.Context, limit int) ([]types.JobRun, error)
	RecentSuccessfulRuns(ctx context.Context, excludeID string, limit int) ([]types.JobRun, error)
	RunStats(ctx context.Context) (storage.RunStats, error)
}

type Scheduler interface {
	Status() cron.Status
	TriggerNow() error
}

// FileIngester loads the local CSV report
type FileIngester interface {
	Ingest(ctx context.Context) (etl.FileResult, error)
}

type Handler struct {
	logger    *logrus.Logger
	store     Store
	scheduler Scheduler
	ingester  FileIngester
	cache     *cache.Cache
}

// NewHandler wires the API. A nil ingester disables CSV ingestion.
func NewHandler(logger *logrus.Logger, store Store, scheduler Scheduler, ingester FileIngester, statsTTL time.Duration) *Handler {
	return &Handler{
		logger:    logger,
		store:     store,
		scheduler: scheduler,
		ingester:  ingester,
		cache:     cache.New(statsTTL, 2*statsTTL),
	}
}

type HealthResponse struct {
	Status    string `json:"status"`
	Database  string `json:"database"`
	Scheduler string `json:"scheduler"`
}

type PricesResponse struct {
	Page   int                 `json:"page"`
	Limit  int                 `json:"limit"`
	Symbol string              `json:"symbol,omitempty"`
	Prices []types.PriceRecord `json:"prices"`
}

type RunsResponse struct {
	Runs  []types.JobRun `json:"runs"`
	Count int            `json:"count"`
}

func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{
		"service": "price-watcher",
		"status":  "running",
		"docs":    "/api/v1/health",
	})
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	resp := HealthResponse{Status: "ok", Database: "ok", Scheduler: h.scheduler.Status().State}
	code := http.StatusOK

	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warnf("Health check database ping failed: %v", err)
		resp.Status = "unavailable"
		resp.Database = "unreachable"
		code = http.StatusServiceUnavailable
	}
	if resp.Scheduler == cron.StateStopped.String() {
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}

	h.writeJSON(w, code, resp)
}

func (h *Handler) GetPrices(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 1)
	if err != nil || page < 1 {
		h.handleError(w, errors.New("page must be a positive integer"), http.StatusBadRequest)
		return
	}
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil || limit < 1 || limit > maxPageSize {
		h.handleError(w, errors.New("limit must be between 1 and 500"), http.StatusBadRequest)
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("symbol")))

	prices, err := h.store.ListPrices(r.Context(), page, limit, symbol)
	if err != nil {
		h.handleError(w, err, http.StatusInternalServerError)
		return
	}
	if prices == nil {
		prices = []types.PriceRecord{}
	}

	h.writeJSON(w, http.StatusOK, PricesResponse{Page: page, Limit: limit, Symbol: symbol, Prices: prices})
}

func (h *Handler) GetLatestPrice(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(mux.Vars(r)["symbol"])

	price, err := h.store.LatestPrice(r.Context(), symbol)
	if errors.Is(err, storage.ErrNotFound) {
		h.handleError(w, errors.New("no price recorded for "+symbol), http.StatusNotFound)
		return
	}
	if err != nil {
		h.handleError(w, err, http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, price)
}

func (h *Handler) GetRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20)
	if err != nil || limit < 1 || limit > maxPageSize {
		h.handleError(w, errors.New("limit must be between 1 and 500"), http.StatusBadRequest)
		return
	}

	runs, err := h.store.ListRuns(r.Context(), limit)
	if err != nil {
		h.handleError(w, err, http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []types.JobRun{}
	}

	h.writeJSON(w, http.StatusOK, RunsResponse{Runs: runs, Count: len(runs)})
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	if cached, ok := h.cache.Get(statsCacheKey); ok {
		w.Header().Set("X-Cache", "HIT")
		h.writeJSON(w, http.StatusOK, cached)
		return
	}

	stats, err := h.store.RunStats(r.Context())
	if err != nil {
		h.handleError(w, err, http.StatusInternalServerError)
		return
	}
	h.cache.SetDefault(statsCacheKey, stats)

	w.Header().Set("X-Cache", "MISS")
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) CompareRuns(w http.ResponseWriter, r *http.Request) {
	latest, err := h.store.ListRuns(r.Context(), 1)
	if err != nil {
		h.handleError(w, err, http.StatusInternalServerError)
		return
	}
	if len(latest) == 0 {
		h.handleError(w, errors.New("no ETL runs recorded yet"), http.StatusNotFound)
		return
	}

	history, err := h.store.RecentSuccessfulRuns(r.Context(), latest[0].ID, baselineSize)
	if err != nil {
		h.handleError(w, err, http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, etl.CompareRuns(latest[0], history))
}

func (h *Handler) GetScheduler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.scheduler.Status())
}

func (h *Handler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	err := h.scheduler.TriggerNow()
	switch {
	case errors.Is(err, cron.ErrRunInProgress):
		h.handleError(w, err, http.StatusConflict)
	case errors.Is(err, cron.ErrStopped):
		h.handleError(w, err, http.StatusServiceUnavailable)
	case err != nil:
		h.handleError(w, err, http.StatusInternalServerError)
	default:
		h.writeJSON(w, http.StatusAccepted, map[string]string{
			"status": "ETL run triggered",
		})
	}
}

func (h *Handler) IngestCSV(w http.ResponseWriter, r *http.Request) {
	if h.ingester == nil {
		h.handleError(w, errors.New("CSV ingestion is not configured"), http.StatusServiceUnavailable)
		return
	}

	result, err := h.ingester.Ingest(r.Context())
	switch {
	case errors.Is(err, fs.ErrNotExist):
		h.handleError(w, errors.New("CSV file not found"), http.StatusNotFound)
	case provider.IsKind(err, provider.KindMalformed),
		errors.Is(err, etl.ErrEmptySnapshot),
		errors.Is(err, etl.ErrNoValidRecords):
		h.handleError(w, err, http.StatusUnprocessableEntity)
	case err != nil:
		h.handleError(w, err, http.StatusInternalServerError)
	default:
		h.writeJSON(w, http.StatusOK, result)
	}
}

func (h *Handler) handleError(w http.ResponseWriter, err error, code int) {
	if code >= http.StatusInternalServerError {
		h.logger.Error(err)
	} else {
		h.logger.Debug(err)
	}
	h.writeJSON(w, code, map[string]string{
		"error": err.Error(),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Errorf("Failed to encode response: %v", err)
	}
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return fallback, nil
	}
	return strconv.Atoi(value)
}
