package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/elpendex123/ec2-creator-local/internal/models"
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS instances (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	image_id TEXT NOT NULL,
	instance_class TEXT NOT NULL,
	region TEXT NOT NULL DEFAULT '',
	public_address TEXT NOT NULL DEFAULT '',
	connection_hint TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	backend_used TEXT NOT NULL,
	version INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_instances_created_at ON instances(created_at);
CREATE TABLE IF NOT EXISTS retired_ids (
	id TEXT PRIMARY KEY,
	retired_at INTEGER NOT NULL
);
`

const selectInstance = `SELECT id, name, image_id, instance_class, region, public_address,
	connection_hint, state, backend_used, version, created_at, updated_at FROM instances`

// instanceRow stores timestamps as unix nanoseconds so ordering and
// round-trips do not depend on the driver's time parsing.
type instanceRow struct {
	ID             string `db:"id"`
	Name           string `db:"name"`
	ImageID        string `db:"image_id"`
	InstanceClass  string `db:"instance_class"`
	Region         string `db:"region"`
	PublicAddress  string `db:"public_address"`
	ConnectionHint string `db:"connection_hint"`
	State          string `db:"state"`
	Backend        string `db:"backend_used"`
	Version        int64  `db:"version"`
	CreatedAt      int64  `db:"created_at"`
	UpdatedAt      int64  `db:"updated_at"`
}

func toRow(inst *models.Instance) instanceRow {
	return instanceRow{
		ID:             inst.ID,
		Name:           inst.Name,
		ImageID:        inst.ImageID,
		InstanceClass:  inst.InstanceClass,
		Region:         inst.Region,
		PublicAddress:  inst.PublicAddress,
		ConnectionHint: inst.ConnectionHint,
		State:          string(inst.State),
		Backend:        inst.Backend,
		Version:        inst.Version,
		CreatedAt:      inst.CreatedAt.UnixNano(),
		UpdatedAt:      inst.UpdatedAt.UnixNano(),
	}
}

func (r instanceRow) instance() *models.Instance {
	return &models.Instance{
		ID:             r.ID,
		Name:           r.Name,
		ImageID:        r.ImageID,
		InstanceClass:  r.InstanceClass,
		Region:         r.Region,
		PublicAddress:  r.PublicAddress,
		ConnectionHint: r.ConnectionHint,
		State:          models.State(r.State),
		Backend:        r.Backend,
		Version:        r.Version,
		CreatedAt:      time.Unix(0, r.CreatedAt).UTC(),
		UpdatedAt:      time.Unix(0, r.UpdatedAt).UTC(),
	}
}

// SQLStore implements Store on SQLite through sqlx.
type SQLStore struct {
	db *sqlx.DB
}

// splitDSN separates a sqlite path from the driver options appended to it.
func splitDSN(path string) (string, url.Values, error) {
	file, raw, _ := strings.Cut(path, "?")
	q, err := url.ParseQuery(raw)
	if err != nil {
		return "", nil, fmt.Errorf("parse sqlite options %q: %w", raw, err)
	}
	return file, q, nil
}

// NewSQLStore opens the database at path. Driver options may follow a '?',
// e.g. "data/instances.db?_journal_mode=WAL".
func NewSQLStore(path string) (*SQLStore, error) {
	file, q, err := splitDSN(path)
	if err != nil {
		return nil, err
	}
	if !q.Has("_busy_timeout") {
		q.Set("_busy_timeout", "5000")
	}
	if dir := filepath.Dir(file); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	db, err := sqlx.Connect("sqlite3", file+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer; one connection keeps transactions serialized.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqlSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func isConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

func (s *SQLStore) Insert(ctx context.Context, inst *models.Instance) error {
	rec := inst.Clone()
	if err := prepareInsert(rec); err != nil {
		return err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var retired int
	if err := tx.GetContext(ctx, &retired, `SELECT COUNT(*) FROM retired_ids WHERE id = $1`, rec.ID); err != nil {
		return err
	}
	if retired > 0 {
		return ErrExists
	}
	_, err = tx.NamedExecContext(ctx, `INSERT INTO instances
		(id, name, image_id, instance_class, region, public_address, connection_hint,
		 state, backend_used, version, created_at, updated_at)
		VALUES (:id, :name, :image_id, :instance_class, :region, :public_address, :connection_hint,
		 :state, :backend_used, :version, :created_at, :updated_at)`, toRow(rec))
	if err != nil {
		if isConstraint(err) {
			return ErrExists
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	*inst = *rec
	return nil
}

func getRow(ctx context.Context, q sqlx.QueryerContext, id string) (*models.Instance, error) {
	var row instanceRow
	if err := sqlx.GetContext(ctx, q, &row, selectInstance+` WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return row.instance(), nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*models.Instance, error) {
	return getRow(ctx, s.db, id)
}

func (s *SQLStore) List(ctx context.Context) ([]*models.Instance, error) {
	var rows []instanceRow
	if err := s.db.SelectContext(ctx, &rows, selectInstance+` ORDER BY created_at DESC, id ASC`); err != nil {
		return nil, err
	}
	out := make([]*models.Instance, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.instance())
	}
	return out, nil
}

func (s *SQLStore) UpdateState(ctx context.Context, id string, state models.State, addr *AddressUpdate) (*models.Instance, error) {
	return s.mutate(ctx, id, func(inst *models.Instance) error {
		return applyState(inst, state, addr)
	})
}

func (s *SQLStore) UpdateAddress(ctx context.Context, id string, addr AddressUpdate) (*models.Instance, error) {
	return s.mutate(ctx, id, func(inst *models.Instance) error {
		inst.PublicAddress = addr.PublicAddress
		inst.ConnectionHint = addr.ConnectionHint
		stamp(inst)
		return nil
	})
}

func (s *SQLStore) mutate(ctx context.Context, id string, fn func(inst *models.Instance) error) (*models.Instance, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	inst, err := getRow(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(inst); err != nil {
		return nil, err
	}
	_, err = tx.NamedExecContext(ctx, `UPDATE instances SET
		public_address = :public_address, connection_hint = :connection_hint,
		state = :state, version = :version, updated_at = :updated_at
		WHERE id = :id`, toRow(inst))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return inst, nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM instances WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO retired_ids (id, retired_at) VALUES ($1, $2)`,
		id, now().UnixNano()); err != nil {
		return false, err
	}
	return true, tx.Commit()
}
