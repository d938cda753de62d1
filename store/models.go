// Package store is the durable persistence layer: users, batches, upload
// requests and presets, with atomic status transitions and aggregate
// statistics. All mutations are row-scoped; the upload-request status
// column doubles as the worker lease.
package store

import (
	"encoding/json"
	"time"
)

// Status is the upload-request lifecycle state.
type Status string

// Upload request statuses. A request is created queued and transitions
// exactly once into a terminal state.
const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDuplicate  Status = "duplicate"
)

// Terminal reports whether the status ends the lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusDuplicate:
		return true
	}
	return false
}

// CanTransition reports whether next is reachable from s in one step. The
// status DAG is strict: queued → in_progress → {completed, failed,
// duplicate}; no row may regress.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusQueued:
		return next == StatusInProgress
	case StatusInProgress:
		return next.Terminal()
	}
	return false
}

// User owns batches and upload requests. The id is the wiki's opaque
// central user id, not the username.
type User struct {
	UserID    string    `db:"userid"`
	Username  string    `db:"username"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Batch is a user-visible grouping of upload requests. It carries no
// status of its own; its state is the aggregate over its requests.
type Batch struct {
	ID        int64     `db:"id"`
	BatchUID  string    `db:"batch_uid"`
	UserID    string    `db:"userid"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// UploadRequest is one image upload job.
type UploadRequest struct {
	ID                int64     `db:"id"`
	BatchID           int64     `db:"batchid"`
	UserID            string    `db:"userid"`
	Key               string    `db:"key"`
	Handler           string    `db:"handler"`
	Filename          string    `db:"filename"`
	Wikitext          string    `db:"wikitext"`
	SDC               *string   `db:"sdc"`
	Labels            *string   `db:"labels"`
	Collection        *string   `db:"collection"`
	CopyrightOverride bool      `db:"copyright_override"`
	Status            Status    `db:"status"`
	Result            *string   `db:"result"`
	Error             *string   `db:"error"`
	Success           *string   `db:"success"`
	AccessToken       *string   `db:"access_token"`
	LastEditedBy      *string   `db:"last_edited_by"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`

	// Username of the owner, resolved by joins; not a column of
	// upload_requests itself.
	Username string `db:"username"`
	// EditorUsername resolves last_edited_by (a userid) into the editing
	// user's username for presentation.
	EditorUsername *string `db:"editor_username"`
}

// ErrorPayload decodes the structured error column, or nil.
func (u *UploadRequest) ErrorPayload() (*OutcomeError, error) {
	if u.Error == nil {
		return nil, nil
	}
	var payload OutcomeError
	if err := json.Unmarshal([]byte(*u.Error), &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// Link points at an existing wiki file page.
type Link struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// OutcomeError is the structured payload persisted on failed, duplicate
// and blacklisted outcomes and streamed to subscribers verbatim.
type OutcomeError struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Links   []Link `json:"links,omitempty"`
}

// Outcome carries the optional fields written together with a status
// transition.
type Outcome struct {
	Error        *OutcomeError
	Result       *string
	Success      *string
	LastEditedBy *string
}

// Label is one language-tagged caption.
type Label struct {
	Language string `json:"language"`
	Value    string `json:"value"`
}

// NewUpload describes one item of an incoming batch.
type NewUpload struct {
	Key               string
	Filename          string
	Wikitext          string
	SDC               *string
	Labels            map[string]Label
	Collection        *string
	CopyrightOverride bool
}

// Preset is a per-user saved default set for a handler. At most one
// preset per (userid, handler) may be the default.
type Preset struct {
	ID        int64     `db:"id"`
	UserID    string    `db:"userid"`
	Handler   string    `db:"handler"`
	Name      string    `db:"name"`
	Values    string    `db:"vals"`
	IsDefault bool      `db:"is_default"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Stats is the aggregate over a batch's requests. Total is always the
// arithmetic sum of the per-status counts.
type Stats struct {
	Total      int `json:"total"`
	Queued     int `json:"queued"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Duplicate  int `json:"duplicate"`
}

// UploadDelta is the minimum per-request state clients need to render
// live progress.
type UploadDelta struct {
	ID           int64         `json:"id"`
	BatchID      int64         `json:"-"`
	Status       Status        `json:"status"`
	Success      *string       `json:"success,omitempty"`
	Error        *OutcomeError `json:"error,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at"`
	LastEditedBy *string       `json:"last_edited_by,omitempty"`
}

// BatchSummary is one row of a paginated batch listing.
type BatchSummary struct {
	ID        int64     `db:"id" json:"id"`
	BatchUID  string    `db:"batch_uid" json:"batch_uid"`
	UserID    string    `db:"userid" json:"userid"`
	Username  string    `db:"username" json:"username"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
