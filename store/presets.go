package store

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/wikimedia/commons-curator/errdefs"
)

// SavePreset inserts or updates a named preset. Marking a preset default
// clears any previous default for the same (userid, handler) in the same
// transaction, which keeps the single-default invariant on MySQL where
// the partial unique index of the sqlite schema is unavailable.
func (s *Store) SavePreset(ctx context.Context, p Preset) (Preset, error) {
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		now := s.now().UTC()
		if p.IsDefault {
			if _, err := tx.ExecContext(ctx,
				`UPDATE presets SET is_default = 0, updated_at = ? WHERE userid = ? AND handler = ? AND is_default = 1`,
				now, p.UserID, p.Handler); err != nil {
				return errors.Wrap(err, "clearing previous default preset")
			}
		}
		if p.ID != 0 {
			res, err := tx.ExecContext(ctx,
				`UPDATE presets SET name = ?, vals = ?, is_default = ?, updated_at = ? WHERE id = ? AND userid = ?`,
				p.Name, p.Values, p.IsDefault, now, p.ID, p.UserID)
			if err != nil {
				return errors.Wrap(err, "updating preset")
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return errdefs.NotFound(errors.Errorf("preset %d not found", p.ID))
			}
			p.UpdatedAt = now
			return nil
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO presets (userid, handler, name, vals, is_default, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.UserID, p.Handler, p.Name, p.Values, p.IsDefault, now, now)
		if err != nil {
			return errors.Wrap(err, "inserting preset")
		}
		p.ID, err = res.LastInsertId()
		p.CreatedAt, p.UpdatedAt = now, now
		return err
	})
	if err != nil {
		return Preset{}, err
	}
	return p, nil
}

// GetPresets lists a user's presets for a handler.
func (s *Store) GetPresets(ctx context.Context, userID, handler string) ([]Preset, error) {
	var presets []Preset
	err := s.db.SelectContext(ctx, &presets,
		`SELECT id, userid, handler, name, vals, is_default, created_at, updated_at
		FROM presets WHERE userid = ? AND handler = ? ORDER BY id`,
		userID, handler)
	return presets, errors.Wrap(err, "listing presets")
}

// GetDefaultPreset returns the default preset for (userid, handler), or a
// not-found error.
func (s *Store) GetDefaultPreset(ctx context.Context, userID, handler string) (Preset, error) {
	var p Preset
	err := s.db.GetContext(ctx, &p,
		`SELECT id, userid, handler, name, vals, is_default, created_at, updated_at
		FROM presets WHERE userid = ? AND handler = ? AND is_default = 1`,
		userID, handler)
	if errors.Is(err, sql.ErrNoRows) {
		return Preset{}, errdefs.NotFound(errors.Errorf("no default preset for %s/%s", userID, handler))
	}
	return p, errors.Wrap(err, "loading default preset")
}

// DeletePreset removes a preset owned by the user.
func (s *Store) DeletePreset(ctx context.Context, userID string, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM presets WHERE id = ? AND userid = ?`, id, userID)
	if err != nil {
		return errors.Wrap(err, "deleting preset")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.NotFound(errors.Errorf("preset %d not found", id))
	}
	return nil
}
