package routes

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/draftworks/listing-api/internal/handlers"
)

// NewRouter sets up the API routes
func NewRouter(auth *handlers.AuthHandler, jobs *handlers.JobHandler, tokens *handlers.TokenHandler) *mux.Router {
	router := mux.NewRouter()

	// Health check route
	router.HandleFunc("/health", handlers.HealthCheck).Methods(http.MethodGet)

	// Public auth endpoints
	router.HandleFunc("/api/signup", auth.SignUp).Methods(http.MethodPost)
	router.HandleFunc("/api/login", auth.Login).Methods(http.MethodPost)

	// Everything else requires a valid token.
	api := router.PathPrefix("/api").Subrouter()
	api.Use(auth.JWTMiddleware)

	api.HandleFunc("/jobs", jobs.CreateJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs", jobs.ListJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs/scan", jobs.ScanJobs).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{jobID}", jobs.GetJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{jobID}/checkpoints", jobs.ListCheckpoints).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{jobID}/failed-items", jobs.ListFailedItems).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{jobID}/recover", jobs.RecoverJob).Methods(http.MethodPost)

	api.HandleFunc("/tokens/{provider}", tokens.SetToken).Methods(http.MethodPost)
	api.HandleFunc("/tokens/{provider}", tokens.RevokeToken).Methods(http.MethodDelete)

	return router
}
