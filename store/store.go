package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"

	"github.com/wikimedia/commons-curator/errdefs"

	// Database drivers. Local and test deployments run sqlite; Toolforge
	// deployments run MySQL against toolsdb.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/sqlite/*.sql migrations/mysql/*.sql
var migrationsFS embed.FS

// Store is the data access layer. It is safe for concurrent use; every
// mutation is a single row-scoped statement or an explicit transaction.
type Store struct {
	db     *sqlx.DB
	driver string
	now    func() time.Time
}

// Open connects to the database. driver is "sqlite3" or "mysql".
func Open(driver, dsn string) (*Store, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	if driver == "sqlite3" {
		// A single writer avoids SQLITE_BUSY under concurrent workers.
		db.SetMaxOpenConns(1)
	}
	return &Store{db: db, driver: driver, now: time.Now}, nil
}

// Migrate applies the embedded schema migrations for the active dialect.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect(s.driver); err != nil {
		return err
	}
	dir := "migrations/sqlite"
	if s.driver == "mysql" {
		dir = "migrations/mysql"
	}
	return goose.UpContext(ctx, s.db.DB, dir)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertUser creates or renames a user.
func (s *Store) UpsertUser(ctx context.Context, userID, username string) error {
	return s.upsertUser(ctx, s.db, userID, username)
}

func (s *Store) upsertUser(ctx context.Context, e sqlx.ExtContext, userID, username string) error {
	now := s.now().UTC()
	res, err := e.ExecContext(ctx,
		`UPDATE users SET username = ?, updated_at = ? WHERE userid = ?`,
		username, now, userID)
	if err != nil {
		return errors.Wrap(err, "updating user")
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	_, err = e.ExecContext(ctx,
		`INSERT INTO users (userid, username, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		userID, username, now, now)
	return errors.Wrap(err, "inserting user")
}

// CreateUploadRequests opens a new batch and inserts one queued request
// per item, all in a single transaction. Every row carries the sealed
// access token; the token column is wiped again on the terminal
// transition.
func (s *Store) CreateUploadRequests(ctx context.Context, userID, username, handler string, items []NewUpload, sealedToken string) (Batch, []UploadRequest, error) {
	if len(items) == 0 {
		return Batch{}, nil, errdefs.InvalidParameter(errors.New("an upload batch needs at least one item"))
	}

	var batch Batch
	var rows []UploadRequest
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.upsertUser(ctx, tx, userID, username); err != nil {
			return err
		}

		now := s.now().UTC()
		batch = Batch{BatchUID: uuid.NewString(), UserID: userID, CreatedAt: now, UpdatedAt: now}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO batches (batch_uid, userid, created_at, updated_at) VALUES (?, ?, ?, ?)`,
			batch.BatchUID, batch.UserID, now, now)
		if err != nil {
			return errors.Wrap(err, "inserting batch")
		}
		batch.ID, err = res.LastInsertId()
		if err != nil {
			return err
		}

		for _, item := range items {
			row := UploadRequest{
				BatchID:           batch.ID,
				UserID:            userID,
				Key:               item.Key,
				Handler:           handler,
				Filename:          item.Filename,
				Wikitext:          item.Wikitext,
				SDC:               item.SDC,
				Collection:        item.Collection,
				CopyrightOverride: item.CopyrightOverride,
				Status:            StatusQueued,
				CreatedAt:         now,
				UpdatedAt:         now,
				Username:          username,
			}
			token := sealedToken
			row.AccessToken = &token
			if item.Labels != nil {
				raw, err := json.Marshal(item.Labels)
				if err != nil {
					return errors.Wrap(err, "serializing labels")
				}
				labels := string(raw)
				row.Labels = &labels
			}

			res, err := tx.ExecContext(ctx,
				"INSERT INTO upload_requests (batchid, userid, `key`, handler, filename, wikitext, sdc, labels, collection, copyright_override, status, access_token, created_at, updated_at)"+
					" VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
				row.BatchID, row.UserID, row.Key, row.Handler, row.Filename, row.Wikitext,
				row.SDC, row.Labels, row.Collection, row.CopyrightOverride, row.Status,
				row.AccessToken, now, now)
			if err != nil {
				return errors.Wrap(err, "inserting upload request")
			}
			row.ID, err = res.LastInsertId()
			if err != nil {
				return err
			}
			rows = append(rows, row)
		}
		return nil
	})
	if err != nil {
		return Batch{}, nil, err
	}
	return batch, rows, nil
}

// AcquireForProcessing attempts the queued → in_progress transition. The
// conditional update is the worker lease: exactly one caller sees
// affected = 1, everyone else lost the race (or got a redelivery) and
// must walk away.
func (s *Store) AcquireForProcessing(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE upload_requests SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		StatusInProgress, s.now().UTC(), id, StatusQueued)
	if err != nil {
		return false, errors.Wrap(err, "acquiring upload request")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateUploadStatus transitions a row. The update is atomic and guarded
// by the status DAG: it only succeeds from a status that may legally
// precede the new one, so a row can never regress or double-finish. On
// terminal statuses the access token is wiped in the same statement.
func (s *Store) UpdateUploadStatus(ctx context.Context, id int64, status Status, outcome Outcome) error {
	var prior Status
	switch status {
	case StatusInProgress:
		prior = StatusQueued
	case StatusCompleted, StatusFailed, StatusDuplicate:
		prior = StatusInProgress
	default:
		return errdefs.InvalidParameter(errors.Errorf("cannot transition into %q", status))
	}

	var errJSON *string
	if outcome.Error != nil {
		raw, err := json.Marshal(outcome.Error)
		if err != nil {
			return errors.Wrap(err, "serializing error payload")
		}
		v := string(raw)
		errJSON = &v
	}

	query := `UPDATE upload_requests SET status = ?, error = ?, result = ?, success = ?, updated_at = ?`
	args := []interface{}{status, errJSON, outcome.Result, outcome.Success, s.now().UTC()}
	if outcome.LastEditedBy != nil {
		query += `, last_edited_by = ?`
		args = append(args, *outcome.LastEditedBy)
	}
	if status.Terminal() {
		query += `, access_token = NULL`
	}
	query += ` WHERE id = ? AND status = ?`
	args = append(args, id, prior)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, "updating upload status")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errdefs.Conflict(errors.Errorf("upload %d is not %s, refusing transition to %s", id, prior, status))
	}
	return nil
}

const uploadColumns = "u.id, u.batchid, u.userid, u.`key`, u.handler, u.filename, u.wikitext, u.sdc, u.labels, u.collection, u.copyright_override, u.status, u.result, u.error, u.success, u.access_token, u.last_edited_by, u.created_at, u.updated_at, owner.username AS username, editor.username AS editor_username"

const uploadJoins = ` FROM upload_requests u
	JOIN users owner ON owner.userid = u.userid
	LEFT JOIN users editor ON editor.userid = u.last_edited_by`

// GetUploadRequest loads one row, with the owner and last editor resolved
// to usernames.
func (s *Store) GetUploadRequest(ctx context.Context, id int64) (UploadRequest, error) {
	var row UploadRequest
	err := s.db.GetContext(ctx, &row, "SELECT "+uploadColumns+uploadJoins+" WHERE u.id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return UploadRequest{}, errdefs.NotFound(errors.Errorf("upload request %d not found", id))
	}
	if err != nil {
		return UploadRequest{}, errors.Wrap(err, "loading upload request")
	}
	return row, nil
}

// ListQueuedIDs returns every row still waiting for a worker, oldest
// first. Used at startup to recover notifications lost to a restart.
func (s *Store) ListQueuedIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids,
		`SELECT id FROM upload_requests WHERE status = ? ORDER BY id`, StatusQueued)
	if err != nil {
		return nil, errors.Wrap(err, "listing queued upload requests")
	}
	return ids, nil
}

// GetBatchUploads lists a batch's rows in insertion order. last_edited_by
// is exposed as the editor's username, not their id.
func (s *Store) GetBatchUploads(ctx context.Context, batchID int64) ([]UploadRequest, error) {
	var rows []UploadRequest
	err := s.db.SelectContext(ctx, &rows, "SELECT "+uploadColumns+uploadJoins+" WHERE u.batchid = ? ORDER BY u.id", batchID)
	if err != nil {
		return nil, errors.Wrap(err, "listing batch uploads")
	}
	return rows, nil
}

// Delta projects the row into the wire shape streamed to subscribers.
func (u UploadRequest) Delta() UploadDelta {
	d := UploadDelta{
		ID:           u.ID,
		BatchID:      u.BatchID,
		Status:       u.Status,
		Success:      u.Success,
		UpdatedAt:    u.UpdatedAt,
		LastEditedBy: u.EditorUsername,
	}
	if payload, err := u.ErrorPayload(); err == nil {
		d.Error = payload
	}
	return d
}

// GetBatchesStats aggregates per-batch status counts with a single GROUP
// BY query over the (batchid, status, updated_at) index. Batch ids with
// no rows get a zero record.
func (s *Store) GetBatchesStats(ctx context.Context, batchIDs []int64) (map[int64]Stats, error) {
	stats := make(map[int64]Stats, len(batchIDs))
	for _, id := range batchIDs {
		stats[id] = Stats{}
	}
	if len(batchIDs) == 0 {
		return stats, nil
	}

	query, args, err := sqlx.In(
		`SELECT batchid, status, COUNT(*) AS n FROM upload_requests WHERE batchid IN (?) GROUP BY batchid, status`,
		batchIDs)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "aggregating batch stats")
	}
	defer rows.Close()

	for rows.Next() {
		var batchID int64
		var status Status
		var n int
		if err := rows.Scan(&batchID, &status, &n); err != nil {
			return nil, err
		}
		st := stats[batchID]
		st.Total += n
		switch status {
		case StatusQueued:
			st.Queued = n
		case StatusInProgress:
			st.InProgress = n
		case StatusCompleted:
			st.Completed = n
		case StatusFailed:
			st.Failed = n
		case StatusDuplicate:
			st.Duplicate = n
		}
		stats[batchID] = st
	}
	return stats, rows.Err()
}

// ListBatchesOptions filters and pages a batch listing.
type ListBatchesOptions struct {
	Page   int
	Limit  int
	UserID string
}

// ListBatches returns one page of batches, newest first, plus the total
// count matching the filter.
func (s *Store) ListBatches(ctx context.Context, opts ListBatchesOptions) ([]BatchSummary, int64, error) {
	if opts.Limit <= 0 || opts.Limit > 100 {
		opts.Limit = 20
	}
	if opts.Page < 1 {
		opts.Page = 1
	}

	where, args := "", []interface{}{}
	if opts.UserID != "" {
		where = ` WHERE b.userid = ?`
		args = append(args, opts.UserID)
	}

	var total int64
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM batches b`+where, args...); err != nil {
		return nil, 0, errors.Wrap(err, "counting batches")
	}

	var batches []BatchSummary
	query := `SELECT b.id, b.batch_uid, b.userid, users.username, b.created_at, b.updated_at
	FROM batches b JOIN users ON users.userid = b.userid` + where +
		` ORDER BY b.id DESC LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, (opts.Page-1)*opts.Limit)
	if err := s.db.SelectContext(ctx, &batches, query, args...); err != nil {
		return nil, 0, errors.Wrap(err, "listing batches")
	}
	return batches, total, nil
}

func (s *Store) withTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Wrapf(err, "rollback also failed: %v", rbErr)
		}
		return err
	}
	return errors.Wrap(tx.Commit(), "committing transaction")
}
