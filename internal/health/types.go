// Package health tracks the reachability of the external services the
// pipeline depends on. State is in memory and resets on restart.
package health

import "time"

// Status is the health state of an item.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Category groups health items.
type Category string

const (
	CategoryDownloadClients Category = "downloadClients"
	CategoryGateway         Category = "gateway"
)

// EventHealthUpdated is the websocket message type for status changes.
const EventHealthUpdated = "health:updated"

// Item is a single tracked service.
type Item struct {
	ID        string     `json:"id"`
	Category  Category   `json:"category"`
	Name      string     `json:"name"`
	Status    Status     `json:"status"`
	Message   string     `json:"message,omitempty"`
	CheckedAt time.Time  `json:"checkedAt"`
	Since     *time.Time `json:"since,omitempty"` // when the current error began
}

// Summary is the overall health view.
type Summary struct {
	Items     []Item `json:"items"`
	HasIssues bool   `json:"hasIssues"`
}
