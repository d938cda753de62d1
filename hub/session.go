package hub

import (
	"context"
	"encoding/json"

	"github.com/containerd/log"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/wikimedia/commons-curator/errdefs"
	"github.com/wikimedia/commons-curator/store"
)

// Identity is the authenticated user behind a connection.
type Identity struct {
	UserID   string
	Username string
}

// Backend serves the request/response half of the protocol. The daemon
// implements it.
type Backend interface {
	// FetchCollection resolves a provider collection into normalized
	// image records plus any Commons pages already referencing them.
	FetchCollection(ctx context.Context, handlerTag, input string) (CollectionImages, error)

	// EnqueueUploads persists a new batch for the user and notifies the
	// worker pool. Returns the created rows.
	EnqueueUploads(ctx context.Context, id Identity, handlerTag string, items []store.NewUpload) ([]store.UploadRequest, error)

	// ListBatches pages through batches, newest first. Non-admin users
	// only see their own batches regardless of the requested filter.
	ListBatches(ctx context.Context, id Identity, opts store.ListBatchesOptions) (BatchesList, error)

	// GetBatchUploads lists one batch's rows.
	GetBatchUploads(ctx context.Context, batchID int64) ([]store.UploadRequest, error)
}

// Session binds one connection to the backend and the hub.
type Session struct {
	conn     *Conn
	hub      *Hub
	backend  Backend
	identity Identity
}

// ServeConn runs the protocol over an upgraded WebSocket until the peer
// disconnects. It blocks.
func ServeConn(ctx context.Context, ws *websocket.Conn, h *Hub, backend Backend, identity Identity) {
	conn := newConn(ws)
	session := &Session{conn: conn, hub: h, backend: backend, identity: identity}

	ctx = log.WithLogger(ctx, log.G(ctx).WithField("user", identity.Username))
	go conn.writePump(ctx)
	conn.readPump(ctx, session.handle)
	h.Drop(conn)
}

// handle dispatches one inbound frame. Errors become ERROR replies; the
// connection stays open.
func (s *Session) handle(ctx context.Context, raw []byte) {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		s.conn.Send(ErrorMessage(err.Error()))
		return
	}

	var reply Outbound
	switch env.Type {
	case MsgFetchImages:
		reply, err = s.fetchImages(ctx, env)
	case MsgUpload:
		reply, err = s.upload(ctx, env)
	case MsgSubscribeBatch:
		reply, err = s.subscribeBatch(env)
	case MsgFetchBatches:
		reply, err = s.fetchBatches(ctx, env)
	case MsgFetchBatchUploads:
		reply, err = s.fetchBatchUploads(ctx, env)
	}
	if err != nil {
		log.G(ctx).WithError(err).WithField("type", env.Type).Warn("request failed")
		s.conn.Send(ErrorMessage(err.Error()))
		return
	}
	s.conn.Send(reply)
}

func (s *Session) fetchImages(ctx context.Context, env Envelope) (Outbound, error) {
	var input string
	if err := json.Unmarshal(env.Data, &input); err != nil {
		return Outbound{}, errdefs.InvalidParameter(errors.Wrap(err, "decoding collection input"))
	}
	collection, err := s.backend.FetchCollection(ctx, env.Handler, input)
	if err != nil {
		return Outbound{}, err
	}
	return Outbound{Type: MsgCollectionImages, Data: collection}, nil
}

func (s *Session) upload(ctx context.Context, env Envelope) (Outbound, error) {
	var payload UploadPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return Outbound{}, errdefs.InvalidParameter(errors.Wrap(err, "decoding upload payload"))
	}
	if len(payload.Items) == 0 {
		return Outbound{}, errdefs.InvalidParameter(errors.New("upload payload has no items"))
	}

	items := make([]store.NewUpload, len(payload.Items))
	for i, item := range payload.Items {
		items[i] = item.NewUpload()
	}
	rows, err := s.backend.EnqueueUploads(ctx, s.identity, payload.Handler, items)
	if err != nil {
		return Outbound{}, err
	}
	return Outbound{Type: MsgUploadCreated, Data: NewUploadViews(rows)}, nil
}

func (s *Session) subscribeBatch(env Envelope) (Outbound, error) {
	var batchID int64
	if err := json.Unmarshal(env.Data, &batchID); err != nil {
		return Outbound{}, errdefs.InvalidParameter(errors.Wrap(err, "decoding batch id"))
	}
	s.hub.Subscribe(batchID, s.conn)
	return Outbound{Type: MsgSubscribed, Data: batchID}, nil
}

func (s *Session) fetchBatches(ctx context.Context, env Envelope) (Outbound, error) {
	var query BatchesQuery
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &query); err != nil {
			return Outbound{}, errdefs.InvalidParameter(errors.Wrap(err, "decoding batches query"))
		}
	}
	list, err := s.backend.ListBatches(ctx, s.identity, store.ListBatchesOptions{
		Page:   query.Page,
		Limit:  query.Limit,
		UserID: query.UserID,
	})
	if err != nil {
		return Outbound{}, err
	}
	return Outbound{Type: MsgBatchesList, Data: list}, nil
}

func (s *Session) fetchBatchUploads(ctx context.Context, env Envelope) (Outbound, error) {
	var batchID int64
	if err := json.Unmarshal(env.Data, &batchID); err != nil {
		return Outbound{}, errdefs.InvalidParameter(errors.Wrap(err, "decoding batch id"))
	}
	rows, err := s.backend.GetBatchUploads(ctx, batchID)
	if err != nil {
		return Outbound{}, err
	}
	return Outbound{Type: MsgBatchUploadsList, Data: NewUploadViews(rows)}, nil
}
