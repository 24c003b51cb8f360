package api

import (
	"context"
	"net/http"
)

// Pinger is implemented by backing services that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Component names one dependency checked by the readiness probe.
type Component struct {
	Name  string
	Check Pinger
}

type ComponentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// ComponentHealth pings every component. A single failure degrades the whole
// report and turns the status code into 503.
func ComponentHealth(ctx context.Context, components []Component) ([]ComponentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	statuses := make([]ComponentStatus, 0, len(components))
	for _, component := range components {
		if component.Check == nil {
			continue
		}
		status := ComponentStatus{Component: component.Name, Status: "ok"}
		if err := component.Check.Ping(ctx); err != nil {
			status.Status = "degraded"
			status.Error = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		statuses = append(statuses, status)
	}
	return statuses, overallStatus, statusCode
}
