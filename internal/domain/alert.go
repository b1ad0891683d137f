package domain

import "time"

// AlertType names the rule that fired.
type AlertType string

const (
	AlertConsecutiveFailures AlertType = "consecutive_failures"
	AlertFailureRate         AlertType = "failure_rate"
	AlertBuildDuration       AlertType = "build_duration"
)

// AlertTypes lists every rule in reporting order.
var AlertTypes = []AlertType{AlertConsecutiveFailures, AlertFailureRate, AlertBuildDuration}

// Alert is raised when a terminal run crosses a configured threshold.
type Alert struct {
	ID          string
	Type        AlertType
	Repository  string
	Branch      string
	Message     string
	Value       float64
	Threshold   float64
	Run         RunKey
	TriggeredAt time.Time
}

// AlertDay counts the alerts of one type fired on one UTC day.
type AlertDay struct {
	Date  time.Time
	Type  AlertType
	Count int64
}

// AlertStats summarises the alerts fired since a point in time.
type AlertStats struct {
	Since        time.Time
	Total        int64
	Repositories int64
	ByType       map[AlertType]int64
	Daily        []AlertDay
}

// AlertThresholds overrides the global alert rules for one repository.
// Zero values inherit the global setting. A muted repository raises no alerts.
type AlertThresholds struct {
	Repository          string
	ConsecutiveFailures int
	FailureRatePercent  float64
	DurationThreshold   time.Duration
	Muted               bool
	UpdatedAt           time.Time
}
