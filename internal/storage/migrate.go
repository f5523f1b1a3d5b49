package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/elpendex123/ec2-creator-local/internal/models"
)

// CopyResult counts what a migration did.
type CopyResult struct {
	Copied  int
	Skipped int
}

// Copy inserts every record of src into dst. Records whose id dst already
// holds or has retired are skipped. CreatedAt is preserved; versions restart.
func Copy(ctx context.Context, dst, src Store) (CopyResult, error) {
	var res CopyResult
	list, err := src.List(ctx)
	if err != nil {
		return res, fmt.Errorf("list source: %w", err)
	}
	// oldest first so dst ends up with the same relative ordering on ties
	for i := len(list) - 1; i >= 0; i-- {
		if err := insertCopy(ctx, dst, list[i], &res); err != nil {
			return res, err
		}
	}
	return res, nil
}

func insertCopy(ctx context.Context, dst Store, inst *models.Instance, res *CopyResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := dst.Insert(ctx, inst.Clone())
	switch {
	case err == nil:
		res.Copied++
	case errors.Is(err, ErrExists):
		res.Skipped++
	default:
		return fmt.Errorf("copy %s: %w", inst.ID, err)
	}
	return nil
}

// legacyRow is the record layout of the instances table written by the
// first version of the service.
type legacyRow struct {
	ID           string  `db:"id"`
	Name         string  `db:"name"`
	PublicIP     *string `db:"public_ip"`
	AMI          *string `db:"ami"`
	InstanceType *string `db:"instance_type"`
	State        *string `db:"state"`
	SSHString    *string `db:"ssh_string"`
	BackendUsed  *string `db:"backend_used"`
	CreatedAt    *string `db:"created_at"`
}

const selectLegacy = `SELECT id, name, public_ip, ami, instance_type, state, ssh_string,
	backend_used, CAST(created_at AS TEXT) AS created_at FROM instances`

var legacyTimeLayouts = []string{
	"2006-01-02 15:04:05.999999",
	"2006-01-02T15:04:05.999999",
	time.RFC3339Nano,
}

func parseLegacyTime(s string) time.Time {
	for _, layout := range legacyTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (r legacyRow) instance(region string) *models.Instance {
	state := models.State(strings.ToLower(deref(r.State)))
	if !state.Valid() || state == models.StatePending {
		// a pending row never finished creating; treat it as running so
		// the operator can refresh or destroy it
		state = models.StateRunning
	}
	backend := deref(r.BackendUsed)
	if backend == "" {
		backend = "awscli"
	}
	return &models.Instance{
		ID:             r.ID,
		Name:           r.Name,
		ImageID:        deref(r.AMI),
		InstanceClass:  deref(r.InstanceType),
		Region:         region,
		PublicAddress:  deref(r.PublicIP),
		ConnectionHint: deref(r.SSHString),
		State:          state,
		Backend:        backend,
		CreatedAt:      parseLegacyTime(deref(r.CreatedAt)),
	}
}

// ImportLegacy copies the records of a first-generation sqlite database at
// path into dst, stamping them with region. Terminated rows are imported so
// their ids stay visible; they can be destroyed to retire them.
func ImportLegacy(ctx context.Context, dst Store, path, region string) (CopyResult, error) {
	var res CopyResult
	file, q, err := splitDSN(path)
	if err != nil {
		return res, err
	}
	q.Set("mode", "ro")
	db, err := sqlx.Open("sqlite3", "file:"+file+"?"+q.Encode())
	if err != nil {
		return res, fmt.Errorf("open legacy db: %w", err)
	}
	defer db.Close()

	var rows []legacyRow
	if err := db.SelectContext(ctx, &rows, selectLegacy+` ORDER BY created_at ASC`); err != nil {
		return res, fmt.Errorf("read legacy instances: %w", err)
	}
	for _, r := range rows {
		if r.ID == "" {
			res.Skipped++
			continue
		}
		if err := insertCopy(ctx, dst, r.instance(region), &res); err != nil {
			return res, err
		}
	}
	return res, nil
}
