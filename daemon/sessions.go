package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/wikimedia/commons-curator/cache"
	"github.com/wikimedia/commons-curator/errdefs"
	"github.com/wikimedia/commons-curator/hub"
	"github.com/wikimedia/commons-curator/sealed"
)

// SessionCookie carries the session id in the browser.
const SessionCookie = "curator_session"

// Session lifetime. OAuth owner-only tokens do not expire, so this
// bounds how long a browser stays signed in, not token validity.
const sessionTTL = 30 * 24 * time.Hour

// SessionRecord is what the OAuth callback persists for a signed-in
// user. The token is additionally sealed at rest by the cache layer.
type SessionRecord struct {
	UserID   string       `json:"userid"`
	Username string       `json:"username"`
	Token    sealed.Token `json:"token"`
}

// Sessions stores session records behind the sealed cache.
type Sessions struct {
	cache *cache.Sealed
}

// NewSessions builds a session store.
func NewSessions(c *cache.Sealed) *Sessions {
	return &Sessions{cache: c}
}

// Create stores the record and returns a fresh session id. The record is
// also indexed by user id so workers' enqueue path can find the token.
func (s *Sessions) Create(ctx context.Context, record SessionRecord) (string, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	if err := s.cache.Set(ctx, "session:"+id, string(raw), sessionTTL); err != nil {
		return "", err
	}
	if err := s.cache.Set(ctx, "session:user:"+record.UserID, string(raw), sessionTTL); err != nil {
		return "", err
	}
	return id, nil
}

// Get resolves a session id.
func (s *Sessions) Get(ctx context.Context, id string) (SessionRecord, error) {
	return s.load(ctx, "session:"+id)
}

// GetByUser resolves the most recent session for a user id.
func (s *Sessions) GetByUser(ctx context.Context, userID string) (SessionRecord, error) {
	return s.load(ctx, "session:user:"+userID)
}

// Delete signs the session out.
func (s *Sessions) Delete(ctx context.Context, id string) error {
	return s.cache.Delete(ctx, "session:"+id)
}

func (s *Sessions) load(ctx context.Context, key string) (SessionRecord, error) {
	raw, err := s.cache.Get(ctx, key)
	if errors.Is(err, cache.ErrMiss) {
		return SessionRecord{}, errdefs.Unauthorized(errors.New("no active session"))
	}
	if err != nil {
		return SessionRecord{}, err
	}
	var record SessionRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return SessionRecord{}, errors.Wrap(err, "decoding session record")
	}
	return record, nil
}

// Authenticate implements the server's Authenticator over the session
// cookie.
func (d *Daemon) Authenticate(r *http.Request) (hub.Identity, error) {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil {
		return hub.Identity{}, errdefs.Unauthorized(errors.New("missing session cookie"))
	}
	record, err := d.sessions.Get(r.Context(), cookie.Value)
	if err != nil {
		return hub.Identity{}, err
	}
	return hub.Identity{UserID: record.UserID, Username: record.Username}, nil
}
