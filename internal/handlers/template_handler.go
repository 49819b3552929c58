package handlers

import (
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"

	"botvisor/internal/models"
	"botvisor/internal/service"
)

type PageData struct {
	Title                  string
	PageTitle              string
	CurrentPage            string
	ActiveProcesses        int
	TotalProcesses         int
	ActiveProcessesPercent int
	Processes              []models.Process
	Logs                   []models.LogEntry
	WorkerLogs             []models.LogEntry
	SystemLogs             []models.LogEntry
	Workers                []string
}

type TemplateHandler struct {
	templates *template.Template
	svc       *service.ProcessService
}

func NewTemplateHandler(templatesFS fs.FS, svc *service.ProcessService) (*TemplateHandler, error) {
	tmpl, err := template.ParseFS(templatesFS, "*.html")
	if err != nil {
		return nil, err
	}

	return &TemplateHandler{
		templates: tmpl,
		svc:       svc,
	}, nil
}

func (th *TemplateHandler) buildPageData(currentPage, pageTitle string) PageData {
	processes := th.svc.GetProcesses()
	activeProcesses, totalProcesses := th.svc.GetStats()

	activePercent := 0
	if totalProcesses > 0 {
		activePercent = (activeProcesses * 100) / totalProcesses
	}

	workers := make([]string, 0, len(processes))
	for _, p := range processes {
		workers = append(workers, p.Name)
	}

	return PageData{
		Title:                  "botvisor - " + pageTitle,
		PageTitle:              pageTitle,
		CurrentPage:            currentPage,
		ActiveProcesses:        activeProcesses,
		TotalProcesses:         totalProcesses,
		ActiveProcessesPercent: activePercent,
		Processes:              processes,
		Logs:                   th.svc.GetLogs(20),
		WorkerLogs:             th.svc.GetWorkerLogs(20),
		SystemLogs:             th.svc.GetSystemLogs(20),
		Workers:                workers,
	}
}

func (th *TemplateHandler) ServeTemplate(templateName, currentPage, pageTitle string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data := th.buildPageData(currentPage, pageTitle)

		w.Header().Set("Content-Type", "text/html; charset=utf-8")

		if err := th.templates.ExecuteTemplate(w, templateName+".html", data); err != nil {
			slog.Error("execute template", "template", templateName, "err", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
	}
}
