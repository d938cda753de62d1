package daemon

import (
	"context"

	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/wikimedia/commons-curator/hub"
	"github.com/wikimedia/commons-curator/store"
)

// EnqueueUploads persists a new batch and notifies the worker pool once
// per created row. The user's access token is sealed onto every row so a
// worker can act on their behalf long after the session ended.
func (d *Daemon) EnqueueUploads(ctx context.Context, id hub.Identity, handlerTag string, items []store.NewUpload) ([]store.UploadRequest, error) {
	// Unknown tags die here, while a user is still looking.
	if _, err := d.registry.Get(handlerTag); err != nil {
		return nil, err
	}

	record, err := d.sessions.GetByUser(ctx, id.UserID)
	if err != nil {
		return nil, err
	}
	sealedToken, err := d.codec.SealToken(record.Token)
	if err != nil {
		return nil, errors.Wrap(err, "sealing access token")
	}

	batch, rows, err := d.store.CreateUploadRequests(ctx, id.UserID, id.Username, handlerTag, items, sealedToken)
	if err != nil {
		return nil, err
	}

	logger := log.G(ctx).WithFields(log.Fields{"batch-id": batch.ID, "user": id.Username})
	logger.WithField("count", len(rows)).Info("batch created")

	for _, row := range rows {
		if err := d.pool.Enqueue(ctx, row.ID); err != nil {
			// The rows are durable; a missed notification is recovered
			// by the startup requeue scan.
			logger.WithError(err).WithField("upload-id", row.ID).Warn("failed to notify worker pool")
		}
	}
	return rows, nil
}

// RequeuePending re-notifies the pool about rows still queued, covering
// notifications lost to a crash or restart.
func (d *Daemon) RequeuePending(ctx context.Context) error {
	ids, err := d.store.ListQueuedIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := d.pool.Enqueue(ctx, id); err != nil {
			return err
		}
	}
	if len(ids) > 0 {
		log.G(ctx).WithField("count", len(ids)).Info("requeued pending upload requests")
	}
	return nil
}
