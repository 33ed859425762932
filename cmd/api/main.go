package main

import (
	"context"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/casafin/casafin/internal/api"
	"github.com/casafin/casafin/internal/config"
	"github.com/casafin/casafin/internal/service"
	"github.com/casafin/casafin/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	ledgerStore, err := store.New(context.Background(), cfg.DBSource)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer ledgerStore.Close()

	// Initialize Layers
	posting := service.NewPosting(ledgerStore)
	recurrence := service.NewRecurrence(ledgerStore)
	handler := api.NewHandler(ledgerStore, posting, recurrence)

	// Router
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", handler.HealthCheckHandler)

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.Use(api.Authenticate(cfg.JWTSecret))
	apiV1.HandleFunc("/accounts", handler.CreateAccountHandler).Methods("POST")
	apiV1.HandleFunc("/accounts/{id}", handler.GetAccountHandler).Methods("GET")
	apiV1.HandleFunc("/goals", handler.CreateGoalHandler).Methods("POST")
	apiV1.HandleFunc("/goals/{id}", handler.GetGoalHandler).Methods("GET")
	apiV1.HandleFunc("/goals/{id}/contributions", handler.CreateContributionHandler).Methods("POST")
	apiV1.HandleFunc("/goals/{id}/rollover", handler.RolloverGoalHandler).Methods("POST")
	apiV1.HandleFunc("/obligations", handler.CreateObligationHandler).Methods("POST")
	apiV1.HandleFunc("/obligations/{id}", handler.GetObligationHandler).Methods("GET")
	apiV1.HandleFunc("/obligations/{id}/payments", handler.CreatePaymentHandler).Methods("POST")
	apiV1.HandleFunc("/obligations/{id}/renew", handler.RenewObligationHandler).Methods("POST")

	log.Printf("Server starting on :%s", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Fatal(err)
	}
}
