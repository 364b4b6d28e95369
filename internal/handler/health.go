package handler

import (
	"context"
	"net/http"
)

// HealthCheck is one named dependency check.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthHandler returns a health check endpoint reporting each dependency.
// Any failing check turns the whole response into a 503.
func HealthHandler(checks ...HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		deps := make(map[string]string, len(checks))
		for _, c := range checks {
			if err := c.Check(r.Context()); err != nil {
				deps[c.Name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			deps[c.Name] = "ok"
		}
		overall := "healthy"
		if status != http.StatusOK {
			overall = "unhealthy"
		}
		RespondJSON(w, status, map[string]any{"status": overall, "checks": deps})
	}
}
