// Package hub is the live progress surface: a per-process multiplexer
// fanning upload status deltas out to WebSocket subscribers, plus the
// request/response message protocol the web client speaks over the same
// connection. Envelopes are tagged unions discriminated by a "type"
// field; an unknown discriminator is rejected with an ERROR reply but
// never closes the connection.
package hub

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/wikimedia/commons-curator/errdefs"
	"github.com/wikimedia/commons-curator/handlers"
	"github.com/wikimedia/commons-curator/store"
)

// Client to server discriminators.
const (
	MsgFetchImages       = "FETCH_IMAGES"
	MsgUpload            = "UPLOAD"
	MsgSubscribeBatch    = "SUBSCRIBE_BATCH"
	MsgFetchBatches      = "FETCH_BATCHES"
	MsgFetchBatchUploads = "FETCH_BATCH_UPLOADS"
)

// Server to client discriminators.
const (
	MsgError            = "ERROR"
	MsgCollectionImages = "COLLECTION_IMAGES"
	MsgUploadCreated    = "UPLOAD_CREATED"
	MsgBatchesList      = "BATCHES_LIST"
	MsgBatchUploadsList = "BATCH_UPLOADS_LIST"
	MsgSubscribed       = "SUBSCRIBED"
	MsgUploadsUpdate    = "UPLOADS_UPDATE"
	MsgUploadsComplete  = "UPLOADS_COMPLETE"
)

var inboundTypes = map[string]struct{}{
	MsgFetchImages:       {},
	MsgUpload:            {},
	MsgSubscribeBatch:    {},
	MsgFetchBatches:      {},
	MsgFetchBatchUploads: {},
}

// Envelope is an inbound client message. Handler rides on the envelope
// for FETCH_IMAGES; every other payload lives under data.
type Envelope struct {
	Type    string          `json:"type"`
	Handler string          `json:"handler,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// DecodeEnvelope parses and validates one inbound frame.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, errdefs.InvalidParameter(errors.Wrap(err, "malformed message"))
	}
	if _, ok := inboundTypes[env.Type]; !ok {
		return Envelope{}, errdefs.InvalidParameter(errors.Errorf("unknown message type %q", env.Type))
	}
	return env, nil
}

// Outbound is a server message ready for serialization. Data payloads
// carry omitempty tags so null fields are stripped on the wire.
type Outbound struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// ErrorMessage wraps a user-surface error string.
func ErrorMessage(detail string) Outbound {
	return Outbound{Type: MsgError, Data: detail}
}

// UploadPayload is the body of an UPLOAD message.
type UploadPayload struct {
	Handler string       `json:"handler"`
	Items   []UploadItem `json:"items"`
}

// UploadItem is one requested upload.
type UploadItem struct {
	Key               string                 `json:"key"`
	Filename          string                 `json:"filename"`
	Wikitext          string                 `json:"wikitext"`
	SDC               *string                `json:"sdc,omitempty"`
	Labels            map[string]store.Label `json:"labels,omitempty"`
	Collection        *string                `json:"collection,omitempty"`
	CopyrightOverride bool                   `json:"copyright_override,omitempty"`
}

// NewUpload converts the wire item into the store's insert shape.
func (i UploadItem) NewUpload() store.NewUpload {
	return store.NewUpload{
		Key:               i.Key,
		Filename:          i.Filename,
		Wikitext:          i.Wikitext,
		SDC:               i.SDC,
		Labels:            i.Labels,
		Collection:        i.Collection,
		CopyrightOverride: i.CopyrightOverride,
	}
}

// BatchesQuery is the body of a FETCH_BATCHES message.
type BatchesQuery struct {
	Page   int    `json:"page,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	UserID string `json:"userid,omitempty"`
}

// CollectionImages is the COLLECTION_IMAGES payload: the collection's
// creator plus every image keyed by provider image id.
type CollectionImages struct {
	Creator handlers.ImageCreator              `json:"creator"`
	Images  map[string]handlers.MediaImage     `json:"images"`
	Pages   map[string][]handlers.ExistingPage `json:"existing_pages,omitempty"`
}

// BatchesList is the BATCHES_LIST payload.
type BatchesList struct {
	Items []store.BatchSummary  `json:"items"`
	Total int64                 `json:"total"`
	Stats map[int64]store.Stats `json:"stats"`
}

// UploadView is the client-facing projection of an upload request row.
// The sealed access token never leaves the store through this path.
type UploadView struct {
	ID           int64               `json:"id"`
	BatchID      int64               `json:"batchid"`
	Key          string              `json:"key"`
	Handler      string              `json:"handler"`
	Filename     string              `json:"filename"`
	Status       store.Status        `json:"status"`
	Success      *string             `json:"success,omitempty"`
	Error        *store.OutcomeError `json:"error,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
	LastEditedBy *string             `json:"last_edited_by,omitempty"`
}

// NewUploadView projects a row for the wire.
func NewUploadView(u store.UploadRequest) UploadView {
	v := UploadView{
		ID:           u.ID,
		BatchID:      u.BatchID,
		Key:          u.Key,
		Handler:      u.Handler,
		Filename:     u.Filename,
		Status:       u.Status,
		Success:      u.Success,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
		LastEditedBy: u.EditorUsername,
	}
	if payload, err := u.ErrorPayload(); err == nil {
		v.Error = payload
	}
	return v
}

// NewUploadViews projects a slice of rows.
func NewUploadViews(rows []store.UploadRequest) []UploadView {
	views := make([]UploadView, len(rows))
	for i, row := range rows {
		views[i] = NewUploadView(row)
	}
	return views
}
