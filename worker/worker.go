// Package worker executes upload requests: it drives each job through the
// status state machine exactly once, talking to the provider handler and
// the wiki client, and publishes every transition to the live progress
// hub. Retry policy lives in the driver (driver.go), not in the business
// logic: transient failures are raised upward unchanged.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/wikimedia/commons-curator/errdefs"
	"github.com/wikimedia/commons-curator/handlers"
	"github.com/wikimedia/commons-curator/sdc"
	"github.com/wikimedia/commons-curator/sealed"
	"github.com/wikimedia/commons-curator/store"
	"github.com/wikimedia/commons-curator/wiki"
)

// JobStore is the slice of the data access layer the worker needs.
type JobStore interface {
	GetUploadRequest(ctx context.Context, id int64) (store.UploadRequest, error)
	AcquireForProcessing(ctx context.Context, id int64) (bool, error)
	UpdateUploadStatus(ctx context.Context, id int64, status store.Status, outcome store.Outcome) error
}

// Events receives per-request status deltas as they happen. The live
// progress hub implements it.
type Events interface {
	Publish(delta store.UploadDelta)
}

// Worker executes one upload request at a time.
type Worker struct {
	store      JobStore
	registry   *handlers.Registry
	newClient  wiki.ClientFactory
	codec      *sealed.Codec
	events     Events
	retry      RetryPolicy
	httpClient *http.Client
	tmpDir     string
}

// Config wires a Worker.
type Config struct {
	Store      JobStore
	Registry   *handlers.Registry
	NewClient  wiki.ClientFactory
	Codec      *sealed.Codec
	Events     Events
	Retry      RetryPolicy
	HTTPClient *http.Client
	TmpDir     string
}

// New builds a Worker. Zero-value retry policy and HTTP client get
// defaults.
func New(cfg Config) *Worker {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &Worker{
		store:      cfg.Store,
		registry:   cfg.Registry,
		newClient:  cfg.NewClient,
		codec:      cfg.Codec,
		events:     cfg.Events,
		retry:      cfg.Retry,
		httpClient: cfg.HTTPClient,
		tmpDir:     cfg.TmpDir,
	}
}

// Process drives one upload request to a terminal state. It returns false
// without touching the row when the request is no longer queued — the
// status column is the lease, and a redelivered or raced message simply
// walks away. Cancellation is the only way out without a terminal write.
func (w *Worker) Process(ctx context.Context, id int64) (bool, error) {
	logger := log.G(ctx).WithField("upload-id", id)

	row, err := w.store.GetUploadRequest(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			logger.WithError(err).Warn("dropping notification for unknown upload request")
			return false, nil
		}
		return false, err
	}
	if row.Status != store.StatusQueued {
		logger.WithField("status", row.Status).Debug("upload request already owned, skipping")
		return false, nil
	}

	acquired, err := w.store.AcquireForProcessing(ctx, id)
	if err != nil {
		return false, err
	}
	if !acquired {
		logger.Debug("lost the lease race, skipping")
		return false, nil
	}
	row.Status = store.StatusInProgress
	row.UpdatedAt = time.Now().UTC()
	w.publish(row)

	logger = logger.WithFields(log.Fields{"handler": row.Handler, "batch-id": row.BatchID})
	err = w.retry.Run(ctx, func() error {
		return w.execute(log.WithLogger(ctx, logger), &row)
	})
	if err == nil {
		uploadsProcessed.WithLabelValues(string(row.Status)).Inc()
		return true, nil
	}
	if errdefs.IsCancelled(err) {
		// Shutdown mid-job: leave the row in_progress for the operator;
		// completing it with a made-up outcome would be worse.
		logger.WithError(err).Warn("upload interrupted by shutdown")
		return false, err
	}

	logger.WithError(err).Error("upload failed")
	w.finish(ctx, &row, store.StatusFailed, store.Outcome{
		Error: &store.OutcomeError{Type: "error", Message: err.Error()},
	})
	uploadsProcessed.WithLabelValues(string(store.StatusFailed)).Inc()
	return true, nil
}

// execute runs one attempt of the post-acquisition pipeline. Terminal
// outcomes (completed, duplicate, blacklisted) are written here and nil
// is returned; transient errors come back unchanged for the retry driver;
// anything else is a permanent error the caller turns into a failure.
func (w *Worker) execute(ctx context.Context, row *store.UploadRequest) error {
	logger := log.G(ctx)

	if row.AccessToken == nil {
		w.finish(ctx, row, store.StatusFailed, store.Outcome{
			Error: &store.OutcomeError{Type: "error", Message: "Missing access token"},
		})
		return nil
	}
	token, err := w.codec.OpenToken(*row.AccessToken)
	if err != nil {
		return errors.Wrap(err, "unsealing access token")
	}

	client, err := w.newClient(token, row.Username)
	if err != nil {
		return errors.Wrap(err, "creating wiki client")
	}

	handler, err := w.registry.Get(row.Handler)
	if err != nil {
		// Tags are validated at enqueue time; reaching this means the
		// deployment changed under a queued job.
		return err
	}

	collection := ""
	if row.Collection != nil {
		collection = *row.Collection
	}
	image, err := handler.FetchImageMetadata(ctx, row.Key, collection)
	if err != nil {
		return errors.Wrap(err, "fetching image metadata")
	}

	blocked, reason, err := client.CheckTitleBlacklisted(ctx, row.Filename)
	if err != nil {
		return errors.Wrap(err, "checking title blacklist")
	}
	if blocked {
		w.finish(ctx, row, store.StatusFailed, store.Outcome{
			Error: &store.OutcomeError{
				Type:    "blacklisted",
				Message: fmt.Sprintf("Title %q is blocked by the wiki's title blacklist", row.Filename),
				Reason:  reason,
			},
		})
		return nil
	}

	localPath, contentSHA1, cleanup, err := w.downloadToTemp(ctx, image.URLs.Original)
	if err != nil {
		return errors.Wrap(err, "downloading original")
	}
	defer cleanup()
	logger.WithField("sha1", contentSHA1).Debug("downloaded original")

	duplicates, err := client.FindDuplicates(ctx, contentSHA1)
	if err != nil {
		return errors.Wrap(err, "checking for duplicates")
	}
	if len(duplicates) > 0 && !row.CopyrightOverride {
		links := make([]store.Link, len(duplicates))
		for i, d := range duplicates {
			links[i] = store.Link{Title: d.Title, URL: d.URL}
		}
		w.finish(ctx, row, store.StatusDuplicate, store.Outcome{
			Error: &store.OutcomeError{
				Type:    "duplicate",
				Message: "A file with identical content already exists",
				Links:   links,
			},
		})
		return nil
	}

	statements, err := w.resolveSDC(ctx, client, handler, row, image)
	if err != nil {
		return err
	}

	summary := fmt.Sprintf("Uploaded %s image %s with Commons Curator", row.Handler, row.Key)
	editGroup := fmt.Sprintf("curator-batch-%d", row.BatchID)
	receipt, err := client.UploadChunked(ctx, localPath, row.Filename, row.Wikitext, summary, editGroup)
	if err != nil {
		// HashLockError and other transient failures pass through to the
		// retry driver unchanged.
		return errors.Wrap(err, "uploading")
	}

	resultJSON, err := json.Marshal(receipt)
	if err != nil {
		return err
	}
	result := string(resultJSON)
	w.finish(ctx, row, store.StatusCompleted, store.Outcome{
		Success: &receipt.URL,
		Result:  &result,
	})

	if err := client.ApplySDC(ctx, receipt.Title, statements, "Adding structured data"); err != nil {
		// The file page exists and the row is already terminal; surface
		// the claim failure in the log rather than un-completing the job.
		logger.WithError(err).Warn("uploaded file but failed to apply structured data")
	}
	return nil
}

// resolveSDC decides the final claim list: the row's explicit claims (or
// the handler's canonical ones), merged non-destructively into whatever
// the page already carries.
func (w *Worker) resolveSDC(ctx context.Context, client wiki.Client, handler handlers.Handler, row *store.UploadRequest, image handlers.MediaImage) ([]sdc.Statement, error) {
	var proposed []sdc.Statement
	if row.SDC != nil {
		var err error
		proposed, err = sdc.ParseStatements([]byte(*row.SDC))
		if err != nil {
			return nil, errors.Wrap(err, "parsing stored claims")
		}
	} else {
		proposed = handler.BuildSDC(image)
	}

	existing, found, err := client.GetExistingClaims(ctx, "File:"+row.Filename)
	if err != nil {
		return nil, errors.Wrap(err, "fetching existing claims")
	}
	if !found {
		return proposed, nil
	}
	return sdc.Merge(existing, proposed), nil
}

// finish writes a terminal (or in_progress) state and announces it. A
// conflict here means another path already finished the row; that is a
// bug worth a log line but not worth crashing the worker.
func (w *Worker) finish(ctx context.Context, row *store.UploadRequest, status store.Status, outcome store.Outcome) {
	if err := w.store.UpdateUploadStatus(ctx, row.ID, status, outcome); err != nil {
		log.G(ctx).WithError(err).WithField("upload-id", row.ID).Error("failed to record terminal status")
		return
	}
	row.Status = status
	row.UpdatedAt = time.Now().UTC()
	if outcome.Error != nil {
		raw, _ := json.Marshal(outcome.Error)
		s := string(raw)
		row.Error = &s
	}
	row.Success = outcome.Success
	if status.Terminal() {
		row.AccessToken = nil
	}
	w.publish(*row)
}

func (w *Worker) publish(row store.UploadRequest) {
	if w.events == nil {
		return
	}
	w.events.Publish(row.Delta())
}
