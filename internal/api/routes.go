package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

func SetupRoutes(router *mux.Router, handler *Handler, metrics http.Handler) {
	router.HandleFunc("/", handler.Index).Methods(http.MethodGet)

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/health", handler.HealthCheck).Methods(http.MethodGet)
	v1.HandleFunc("/prices", handler.GetPrices).Methods(http.MethodGet)
	v1.HandleFunc("/prices/{symbol}/latest", handler.GetLatestPrice).Methods(http.MethodGet)
	v1.HandleFunc("/runs", handler.GetRuns).Methods(http.MethodGet)
	v1.HandleFunc("/runs/compare", handler.CompareRuns).Methods(http.MethodGet)
	v1.HandleFunc("/stats", handler.GetStats).Methods(http.MethodGet)
	v1.HandleFunc("/scheduler", handler.GetScheduler).Methods(http.MethodGet)
	v1.HandleFunc("/etl/run", handler.TriggerRun).Methods(http.MethodPost)
	v1.HandleFunc("/ingest-csv", handler.IngestCSV).Methods(http.MethodPost)

	if metrics != nil {
		router.Handle("/metrics", metrics).Methods(http.MethodGet)
	}
}
