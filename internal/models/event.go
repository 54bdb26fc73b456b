package models

import "time"

type EventType string

const (
	EventRoleChanged          EventType = "role-changed"
	EventRoleConflict         EventType = "role-conflict"
	EventRouteSwitched        EventType = "route-switched"
	EventRouteRolledBack      EventType = "route-rolled-back"
	EventRouteLost            EventType = "route-lost"
	EventAdminRouteChange     EventType = "admin-route-change"
	EventSupervisorTransition EventType = "supervisor-transition"
	EventServiceFailed        EventType = "service-failed"
	EventServiceReset         EventType = "service-reset"
)

type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
	SeverityFatal Severity = "fatal"
)

type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Severity  Severity          `json:"severity"`
	Interface string            `json:"interface,omitempty"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	Time      time.Time         `json:"time"`
}
