package store

import "time"

// Branch is one task branch in the catalog: where it lives in the versioning
// service, who to notify, and the flags that exclude it from automation.
type Branch struct {
	ID                      string    `json:"id"`
	ProjectKey              string    `json:"projectKey"`
	TaskKey                 string    `json:"taskKey"`
	Path                    string    `json:"path"`
	ParentPath              string    `json:"parentPath"`
	Recipient               string    `json:"recipient"`
	ScheduledRebaseDisabled bool      `json:"scheduledRebaseDisabled"`
	RebaseDisabled          bool      `json:"rebaseDisabled"`
	Locked                  bool      `json:"locked"`
	CreatedAt               time.Time `json:"createdAt"`
	UpdatedAt               time.Time `json:"updatedAt"`
}

// Notification is a persisted workflow event addressed to one recipient.
type Notification struct {
	ID         string    `json:"id"`
	Recipient  string    `json:"recipient"`
	EntityType string    `json:"entityType"`
	ProjectKey string    `json:"projectKey"`
	TaskKey    string    `json:"taskKey"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"createdAt"`
}

// JobEvent is the audit record written whenever a lifecycle job reaches a
// state worth reporting. The search surface is built over these rows.
type JobEvent struct {
	ID         string    `json:"id"`
	Category   string    `json:"category"`
	ProjectKey string    `json:"projectKey"`
	TaskKey    string    `json:"taskKey"`
	State      string    `json:"state"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"createdAt"`
}
