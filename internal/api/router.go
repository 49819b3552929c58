package api

import (
	"io/fs"
	"net/http"

	"botvisor/internal/handlers"
	"botvisor/internal/middleware"
	"botvisor/internal/service"

	"github.com/gorilla/mux"
)

type Router struct {
	*mux.Router
}

// NewRouter wires the UI, the JSON API and health checks. A non-empty
// apiSecret puts the /api routes behind bearer token auth.
func NewRouter(svc *service.ProcessService, templatesFS, staticFS fs.FS, apiSecret []byte) (*Router, error) {
	r := mux.NewRouter()

	tmplHandler, err := handlers.NewTemplateHandler(templatesFS, svc)
	if err != nil {
		return nil, err
	}

	procHandler := handlers.NewProcessHandler(svc)

	r.HandleFunc("/health", handlers.HealthCheck).Methods(http.MethodGet)
	r.HandleFunc("/ready", handlers.ReadyCheck(svc)).Methods(http.MethodGet)

	r.HandleFunc("/", tmplHandler.ServeTemplate("dashboard", "dashboard", "Dashboard")).Methods(http.MethodGet)
	r.HandleFunc("/processes", tmplHandler.ServeTemplate("processes", "processes", "Process Management")).Methods(http.MethodGet)
	r.HandleFunc("/logs", tmplHandler.ServeTemplate("logs", "logs", "Logs")).Methods(http.MethodGet)

	staticHandler := http.FileServer(http.FS(staticFS))
	r.PathPrefix("/static/").Handler(http.StripPrefix("/static/", staticHandler))

	api := r.PathPrefix("/api").Subrouter()
	api.Use(middleware.Auth(apiSecret))
	api.HandleFunc("/processes", procHandler.GetProcesses).Methods(http.MethodGet)
	api.HandleFunc("/descriptors", procHandler.GetDescriptors).Methods(http.MethodGet)
	api.HandleFunc("/processes/{name}", procHandler.GetProcess).Methods(http.MethodGet)
	api.HandleFunc("/processes/{name}/start", procHandler.StartProcess).Methods(http.MethodPost)
	api.HandleFunc("/processes/{name}/stop", procHandler.StopProcess).Methods(http.MethodPost)
	api.HandleFunc("/processes/{name}/restart", procHandler.RestartProcess).Methods(http.MethodPost)
	api.HandleFunc("/processes/{name}/descriptor", procHandler.GetDescriptor).Methods(http.MethodGet)
	api.HandleFunc("/processes/{name}/unit", procHandler.GetUnit).Methods(http.MethodGet)
	api.HandleFunc("/processes/{name}/history", procHandler.GetHistory).Methods(http.MethodGet)
	api.HandleFunc("/reload", procHandler.Reload).Methods(http.MethodPost)
	api.HandleFunc("/logs", procHandler.GetLogs).Methods(http.MethodGet)
	api.HandleFunc("/logs/worker", procHandler.GetWorkerLogs).Methods(http.MethodGet)
	api.HandleFunc("/logs/system", procHandler.GetSystemLogs).Methods(http.MethodGet)
	api.HandleFunc("/logs/worker/{workerName}", procHandler.GetWorkerSpecificLogs).Methods(http.MethodGet)

	r.Use(middleware.Recovery)
	r.Use(middleware.Logging)

	return &Router{Router: r}, nil
}
