package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/splax/buildboard/internal/domain"
	"github.com/splax/buildboard/internal/service/alert"
	buildmetrics "github.com/splax/buildboard/internal/service/metrics"
)

const defaultAlertStatsWindow = 7 * 24 * time.Hour

type alertDayJSON struct {
	Date      string `json:"date"`
	AlertType string `json:"alert_type"`
	Count     int64  `json:"count"`
}

type alertStatsJSON struct {
	Window                 string           `json:"window"`
	Since                  time.Time        `json:"since"`
	TotalAlerts            int64            `json:"total_alerts"`
	RepositoriesWithAlerts int64            `json:"repositories_with_alerts"`
	ByType                 map[string]int64 `json:"by_type"`
	Daily                  []alertDayJSON   `json:"daily"`
	GeneratedAt            time.Time        `json:"generated_at"`
}

type thresholdsJSON struct {
	Repository          string     `json:"repository"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	FailureRatePercent  float64    `json:"failure_rate_percent"`
	DurationSeconds     int64      `json:"duration_threshold_seconds"`
	Muted               bool       `json:"muted"`
	UpdatedAt           *time.Time `json:"updated_at,omitempty"`
}

func thresholdsOf(t domain.AlertThresholds) thresholdsJSON {
	out := thresholdsJSON{
		Repository:          t.Repository,
		ConsecutiveFailures: t.ConsecutiveFailures,
		FailureRatePercent:  t.FailureRatePercent,
		DurationSeconds:     int64(t.DurationThreshold / time.Second),
		Muted:               t.Muted,
	}
	if !t.UpdatedAt.IsZero() {
		updated := t.UpdatedAt
		out.UpdatedAt = &updated
	}
	return out
}

func (r *Router) handleAlerts(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.alerts == nil {
		writeJSON(w, http.StatusOK, map[string]any{"alerts": []any{}})
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	alerts, err := r.alerts.Recent(req.Context(), limit)
	if err != nil {
		r.logger.Error("list alerts failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not list alerts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alertsJSON(alerts)})
}

func (r *Router) handleAlertStats(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.stats == nil {
		writeError(w, http.StatusServiceUnavailable, "alerting is not configured")
		return
	}
	window, err := buildmetrics.ParseWindow(req.URL.Query().Get("window"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if window <= 0 {
		window = defaultAlertStatsWindow
	}
	now := time.Now().UTC()
	stats, err := r.stats.Stats(req.Context(), now.Add(-window))
	if err != nil {
		r.logger.Error("alert stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not count alerts")
		return
	}
	out := alertStatsJSON{
		Window:                 buildmetrics.FormatWindow(window),
		Since:                  stats.Since,
		TotalAlerts:            stats.Total,
		RepositoriesWithAlerts: stats.Repositories,
		ByType:                 make(map[string]int64, len(domain.AlertTypes)),
		Daily:                  make([]alertDayJSON, 0, len(stats.Daily)),
		GeneratedAt:            now,
	}
	for _, kind := range domain.AlertTypes {
		out.ByType[string(kind)] = stats.ByType[kind]
	}
	for _, d := range stats.Daily {
		out.Daily = append(out.Daily, alertDayJSON{Date: d.Date.Format(time.DateOnly), AlertType: string(d.Type), Count: d.Count})
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Router) handleThresholds(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.limits == nil {
		writeJSON(w, http.StatusOK, map[string]any{"thresholds": []any{}})
		return
	}
	list, err := r.limits.Thresholds(req.Context())
	if err != nil {
		r.logger.Error("list alert thresholds failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not list thresholds")
		return
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Repository < list[j].Repository })
	out := make([]thresholdsJSON, 0, len(list))
	for _, t := range list {
		out = append(out, thresholdsOf(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"thresholds": out})
}

// handleThreshold replaces or removes the override of one repository. Both
// verbs need the same credentials as webhook deliveries.
func (r *Router) handleThreshold(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPut && req.Method != http.MethodDelete {
		r.methodNotAllowed(w)
		return
	}
	if r.limits == nil {
		writeError(w, http.StatusServiceUnavailable, "alerting is not configured")
		return
	}
	repo := strings.TrimSpace(req.PathValue("repository"))
	if repo == "" {
		r.notFound(w)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, r.maxBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	if !r.authenticateAdmin(w, req, body) {
		return
	}

	if req.Method == http.MethodDelete {
		if err := r.limits.DeleteThresholds(req.Context(), repo); err != nil {
			r.writeThresholdError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var in thresholdsJSON
	if err := json.Unmarshal(body, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if in.DurationSeconds < 0 {
		writeError(w, http.StatusBadRequest, "duration_threshold_seconds must not be negative")
		return
	}
	saved, err := r.limits.SetThresholds(req.Context(), domain.AlertThresholds{
		Repository:          repo,
		ConsecutiveFailures: in.ConsecutiveFailures,
		FailureRatePercent:  in.FailureRatePercent,
		DurationThreshold:   time.Duration(in.DurationSeconds) * time.Second,
		Muted:               in.Muted,
	})
	if err != nil {
		r.writeThresholdError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, thresholdsOf(saved))
}

func (r *Router) writeThresholdError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, alert.ErrInvalidThresholds):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, alert.ErrThresholdsNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		r.logger.Error("alert thresholds update failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not update thresholds")
	}
}
