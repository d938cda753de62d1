// Package daemon wires the tool together and implements the hub's
// Backend interface: it owns the job store, the handler registry, the
// session store and the worker pool, and mediates every operation the
// web surface exposes.
package daemon

import (
	"context"
	"sort"

	"github.com/wikimedia/commons-curator/cache"
	"github.com/wikimedia/commons-curator/config"
	"github.com/wikimedia/commons-curator/handlers"
	"github.com/wikimedia/commons-curator/hub"
	"github.com/wikimedia/commons-curator/sealed"
	"github.com/wikimedia/commons-curator/store"
)

// Enqueuer feeds upload-request ids to the worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, id int64) error
}

// Daemon is the application core behind the web surface.
type Daemon struct {
	cfg      config.Config
	store    *store.Store
	registry *handlers.Registry
	codec    *sealed.Codec
	sessions *Sessions
	pool     Enqueuer
}

// Options collects the daemon's collaborators.
type Options struct {
	Config   config.Config
	Store    *store.Store
	Registry *handlers.Registry
	Codec    *sealed.Codec
	Cache    cache.Backend
	Pool     Enqueuer
}

// New assembles a Daemon.
func New(opts Options) *Daemon {
	return &Daemon{
		cfg:      opts.Config,
		store:    opts.Store,
		registry: opts.Registry,
		codec:    opts.Codec,
		sessions: NewSessions(cache.NewSealed(opts.Cache, opts.Codec)),
		pool:     opts.Pool,
	}
}

// Sessions exposes the session store for the OAuth callback surface.
func (d *Daemon) Sessions() *Sessions {
	return d.sessions
}

// FetchCollection resolves a provider collection: every image keyed by
// id, the collection's creator, and any Commons pages that already
// reference those images.
func (d *Daemon) FetchCollection(ctx context.Context, handlerTag, input string) (hub.CollectionImages, error) {
	handler, err := d.registry.Get(handlerTag)
	if err != nil {
		return hub.CollectionImages{}, err
	}

	images, err := handler.FetchCollection(ctx, input)
	if err != nil {
		return hub.CollectionImages{}, err
	}

	ids := make([]string, 0, len(images))
	for id := range images {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	pages, err := handler.FetchExistingPages(ctx, ids)
	if err != nil {
		return hub.CollectionImages{}, err
	}

	out := hub.CollectionImages{Images: images, Pages: pages}
	if len(ids) > 0 {
		out.Creator = images[ids[0]].Creator
	}
	return out, nil
}

// ListBatches pages through batches with their aggregate stats. Admins
// may filter by arbitrary user; everyone else is pinned to their own.
func (d *Daemon) ListBatches(ctx context.Context, id hub.Identity, opts store.ListBatchesOptions) (hub.BatchesList, error) {
	if !d.cfg.IsAdmin(id.Username) {
		opts.UserID = id.UserID
	}

	items, total, err := d.store.ListBatches(ctx, opts)
	if err != nil {
		return hub.BatchesList{}, err
	}

	batchIDs := make([]int64, len(items))
	for i, b := range items {
		batchIDs[i] = b.ID
	}
	stats, err := d.store.GetBatchesStats(ctx, batchIDs)
	if err != nil {
		return hub.BatchesList{}, err
	}

	return hub.BatchesList{Items: items, Total: total, Stats: stats}, nil
}

// GetBatchUploads lists one batch's rows for presentation.
func (d *Daemon) GetBatchUploads(ctx context.Context, batchID int64) ([]store.UploadRequest, error) {
	return d.store.GetBatchUploads(ctx, batchID)
}
