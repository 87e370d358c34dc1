// Package inbox stores deduplicated attention items extracted from agent
// output and routes structured decisions back into sessions.
package inbox

import (
	"time"

	"github.com/fyp/fyp/internal/interpret"
)

// Status of an attention item. Items move open -> sent | dismissed exactly
// once; both terminal transitions are idempotent.
type Status string

const (
	StatusOpen      Status = "open"
	StatusSent      Status = "sent"
	StatusDismissed Status = "dismissed"
)

// Item is one "needs a decision" surface. At most one open item exists per
// (SessionID, Signature).
type Item struct {
	ID        int64              `json:"id" db:"id"`
	SessionID string             `json:"sessionId" db:"session_id"`
	Kind      string             `json:"kind" db:"kind"`
	Severity  interpret.Severity `json:"severity" db:"severity"`
	Title     string             `json:"title" db:"title"`
	Body      string             `json:"body" db:"body"`
	Signature string             `json:"signature" db:"signature"`
	Status    Status             `json:"status" db:"status"`
	Options   []interpret.Option `json:"options" db:"-"`
	CreatedAt time.Time          `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time          `json:"updatedAt" db:"updated_at"`
}

// Action is one audit row recording a respond or dismiss against an item.
type Action struct {
	ID        int64     `json:"id" db:"id"`
	ItemID    int64     `json:"itemId" db:"item_id"`
	Action    string    `json:"action" db:"action"`
	OptionID  string    `json:"optionId" db:"option_id"`
	Source    string    `json:"source" db:"source"`
	Meta      string    `json:"meta" db:"meta"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// ListFilter narrows a list query. Zero values mean "no filter".
type ListFilter struct {
	SessionID  string
	SessionIDs []string
	Limit      int
}

const defaultListLimit = 100
