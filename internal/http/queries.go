package httpx

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/splax/buildboard/internal/domain"
	"github.com/splax/buildboard/internal/events"
	buildmetrics "github.com/splax/buildboard/internal/service/metrics"
	"github.com/splax/buildboard/internal/service/query"
)

type durationJSON struct {
	Count int64    `json:"count"`
	Mean  *float64 `json:"mean_seconds"`
	P50   *float64 `json:"p50_seconds"`
	P95   *float64 `json:"p95_seconds"`
}

type partitionJSON struct {
	Repository      string       `json:"repository"`
	Branch          string       `json:"branch"`
	TotalBuilds     int64        `json:"total_builds"`
	SuccessRate     float64      `json:"success_rate"`
	FailedBuilds    int64        `json:"failed_builds"`
	SuccessCount    int64        `json:"success_count"`
	InProgressCount int64        `json:"in_progress_count"`
	QueuedCount     int64        `json:"queued_count"`
	CancelledCount  int64        `json:"cancelled_count"`
	Duration        durationJSON `json:"duration"`
}

type summaryJSON struct {
	Repository      string          `json:"repository,omitempty"`
	Branch          string          `json:"branch,omitempty"`
	Window          string          `json:"window,omitempty"`
	TotalBuilds     int64           `json:"total_builds"`
	SuccessRate     float64         `json:"success_rate"`
	FailedBuilds    int64           `json:"failed_builds"`
	SuccessCount    int64           `json:"success_count"`
	InProgressCount int64           `json:"in_progress_count"`
	QueuedCount     int64           `json:"queued_count"`
	CancelledCount  int64           `json:"cancelled_count"`
	Duration        durationJSON    `json:"duration"`
	Breakdown       []partitionJSON `json:"breakdown,omitempty"`
	GeneratedAt     time.Time       `json:"generated_at"`
}

type trendJSON struct {
	BucketStart        time.Time `json:"bucket_start"`
	Executions         int64     `json:"executions"`
	Success            int64     `json:"success"`
	Failure            int64     `json:"failure"`
	SuccessRate        float64   `json:"success_rate"`
	AvgDurationSeconds *float64  `json:"avg_duration_seconds"`
}

type rollupJSON struct {
	Repository        string       `json:"repository"`
	Branch            string       `json:"branch"`
	BucketStart       time.Time    `json:"bucket_start"`
	BucketSpanSeconds int          `json:"bucket_span_seconds"`
	TotalBuilds       int64        `json:"total_builds"`
	SuccessRate       float64      `json:"success_rate"`
	FailedBuilds      int64        `json:"failed_builds"`
	SuccessCount      int64        `json:"success_count"`
	Duration          durationJSON `json:"duration"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

type periodJSON struct {
	Start        time.Time    `json:"start"`
	End          time.Time    `json:"end"`
	TotalBuilds  int64        `json:"total_builds"`
	SuccessRate  float64      `json:"success_rate"`
	FailedBuilds int64        `json:"failed_builds"`
	SuccessCount int64        `json:"success_count"`
	Duration     durationJSON `json:"duration"`
}

type comparisonJSON struct {
	Repository            string     `json:"repository,omitempty"`
	Branch                string     `json:"branch,omitempty"`
	Window                string     `json:"window"`
	Current               periodJSON `json:"current"`
	Previous              periodJSON `json:"previous"`
	SuccessRateChange     float64    `json:"success_rate_change"`
	BuildCountChange      int64      `json:"build_count_change"`
	DurationChangePercent *float64   `json:"duration_change_percent"`
	GeneratedAt           time.Time  `json:"generated_at"`
}

func periodOf(p domain.PeriodStats) periodJSON {
	return periodJSON{
		Start:        p.Start,
		End:          p.End,
		TotalBuilds:  p.Counts.Total(),
		SuccessRate:  p.Counts.SuccessRate(),
		FailedBuilds: p.Counts.Failure,
		SuccessCount: p.Counts.Success,
		Duration:     durationOf(p.Duration),
	}
}

func durationOf(d domain.DurationStats) durationJSON {
	return durationJSON{Count: d.Count, Mean: d.Mean, P50: d.P50, P95: d.P95}
}

func summaryOf(s domain.MetricsSnapshot) summaryJSON {
	out := summaryJSON{
		Repository:      s.Repository,
		Branch:          s.Branch,
		Window:          buildmetrics.FormatWindow(s.Window),
		TotalBuilds:     s.TotalBuilds(),
		SuccessRate:     s.SuccessRate(),
		FailedBuilds:    s.Counts.Failure,
		SuccessCount:    s.Counts.Success,
		InProgressCount: s.Counts.InProgress,
		QueuedCount:     s.Counts.Queued,
		CancelledCount:  s.Counts.Cancelled,
		Duration:        durationOf(s.Duration),
		GeneratedAt:     s.GeneratedAt,
	}
	for _, p := range s.Breakdown {
		out.Breakdown = append(out.Breakdown, partitionJSON{
			Repository:      p.Partition.Repository,
			Branch:          p.Partition.Branch,
			TotalBuilds:     p.Counts.Total(),
			SuccessRate:     p.Counts.SuccessRate(),
			FailedBuilds:    p.Counts.Failure,
			SuccessCount:    p.Counts.Success,
			InProgressCount: p.Counts.InProgress,
			QueuedCount:     p.Counts.Queued,
			CancelledCount:  p.Counts.Cancelled,
			Duration:        durationOf(p.Duration),
		})
	}
	return out
}

func alertsJSON(alerts []domain.Alert) []events.Alert {
	out := make([]events.Alert, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, events.AlertFrom(a))
	}
	return out
}

func (r *Router) handleSummary(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	q := req.URL.Query()
	window, err := buildmetrics.ParseWindow(q.Get("window"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	breakdown, _ := strconv.ParseBool(q.Get("breakdown"))
	snapshot, err := r.query.SummaryFor(req.Context(), buildmetrics.Filter{
		Repository: q.Get("repository"),
		Branch:     q.Get("branch"),
		Window:     window,
		Breakdown:  breakdown,
	})
	if err != nil {
		r.writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summaryOf(snapshot))
}

func (r *Router) handleTrends(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	q := req.URL.Query()
	window, err := buildmetrics.ParseWindow(q.Get("window"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var interval time.Duration
	if raw := q.Get("interval"); raw != "" {
		interval, err = buildmetrics.ParseWindow(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	points, err := r.query.Trends(req.Context(), buildmetrics.TrendFilter{
		Repository: strings.TrimSpace(q.Get("repository")),
		Branch:     strings.TrimSpace(q.Get("branch")),
		Window:     window,
		Interval:   interval,
	})
	if err != nil {
		r.writeQueryError(w, err)
		return
	}
	out := make([]trendJSON, 0, len(points))
	for _, p := range points {
		out = append(out, trendJSON(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"points": out})
}

func (r *Router) handleCompare(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	q := req.URL.Query()
	window, err := buildmetrics.ParseWindow(q.Get("window"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, err := r.query.Compare(req.Context(), buildmetrics.Filter{
		Repository: q.Get("repository"),
		Branch:     q.Get("branch"),
		Window:     window,
	})
	if err != nil {
		r.writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, comparisonJSON{
		Repository:            c.Repository,
		Branch:                c.Branch,
		Window:                buildmetrics.FormatWindow(c.Window),
		Current:               periodOf(c.Current),
		Previous:              periodOf(c.Previous),
		SuccessRateChange:     c.SuccessRateChange(),
		BuildCountChange:      c.BuildCountChange(),
		DurationChangePercent: c.DurationChangePercent(),
		GeneratedAt:           c.GeneratedAt,
	})
}

func (r *Router) handleRollups(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.rollups == nil {
		writeError(w, http.StatusServiceUnavailable, "rollup history requires a database")
		return
	}
	q := req.URL.Query()
	var since time.Time
	if raw := q.Get("window"); raw != "" {
		window, err := buildmetrics.ParseWindow(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if window > 0 {
			since = time.Now().UTC().Add(-window)
		}
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	rollups, err := r.rollups.History(req.Context(), strings.TrimSpace(q.Get("repository")), strings.TrimSpace(q.Get("branch")), since, limit)
	if err != nil {
		r.logger.Error("rollup history failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not read rollups")
		return
	}
	out := make([]rollupJSON, 0, len(rollups))
	for _, ru := range rollups {
		out = append(out, rollupJSON{
			Repository:        ru.Repository,
			Branch:            ru.Branch,
			BucketStart:       ru.BucketStart,
			BucketSpanSeconds: int(ru.BucketSpan / time.Second),
			TotalBuilds:       ru.Counts.Total(),
			SuccessRate:       ru.Counts.SuccessRate(),
			FailedBuilds:      ru.Counts.Failure,
			SuccessCount:      ru.Counts.Success,
			Duration:          durationOf(ru.Duration),
			UpdatedAt:         ru.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"rollups": out})
}

func (r *Router) handleBuilds(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	q := req.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	page, err := r.query.ListRuns(req.Context(), query.RunFilter{
		Repository: strings.TrimSpace(q.Get("repository")),
		Branch:     strings.TrimSpace(q.Get("branch")),
		Status:     domain.BuildStatus(strings.ToLower(strings.TrimSpace(q.Get("status")))),
	}, query.Page{Cursor: q.Get("cursor"), Limit: limit})
	if err != nil {
		r.writeQueryError(w, err)
		return
	}
	runs := make([]events.Run, 0, len(page.Runs))
	for _, run := range page.Runs {
		runs = append(runs, events.RunFrom(run))
	}
	payload := map[string]any{"runs": runs}
	if page.NextCursor != "" {
		payload["next_cursor"] = page.NextCursor
	}
	writeJSON(w, http.StatusOK, payload)
}

func (r *Router) handleBuild(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	runID := strings.TrimSpace(req.PathValue("run_id"))
	if runID == "" {
		r.notFound(w)
		return
	}
	attempt := 1
	if raw := req.URL.Query().Get("attempt"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "attempt must be a positive integer")
			return
		}
		attempt = n
	}
	run, err := r.query.GetRun(req.Context(), domain.RunKey{ProviderRunID: runID, Attempt: attempt})
	if err != nil {
		r.writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events.RunFrom(run))
}

func (r *Router) writeQueryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, query.ErrRunNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, query.ErrInvalidCursor), errors.Is(err, query.ErrInvalidFilter):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		r.logger.Error("query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
	}
}
