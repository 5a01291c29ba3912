package handlers

import (
	"context"
	"net/http"
	"time"
)

const readinessTimeout = 2 * time.Second

func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready runs every readiness check. Any required failure answers 503.
func (a *App) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	status, overall := http.StatusOK, "ok"
	checks := make(map[string]string, len(a.ready))
	for _, c := range a.ready {
		err := c.Check(ctx)
		switch {
		case err == nil:
			checks[c.Name] = "ok"
		case c.Optional:
			a.logger.Warn().Err(err).Str("check", c.Name).Msg("optional readiness check failed")
			checks[c.Name] = "degraded"
			if overall == "ok" {
				overall = "degraded"
			}
		default:
			a.logger.Warn().Err(err).Str("check", c.Name).Msg("readiness check failed")
			checks[c.Name] = "unavailable"
			status, overall = http.StatusServiceUnavailable, "unavailable"
		}
	}
	a.json(w, status, map[string]any{"status": overall, "checks": checks})
}
