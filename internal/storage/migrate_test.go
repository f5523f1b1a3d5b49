package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/elpendex123/ec2-creator-local/internal/models"
)

func TestCopyBetweenDrivers(t *testing.T) {
	ctx := context.Background()
	stores := openStores(t)
	src, dst := stores["sqlite"], stores["badger"]

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"i-1", "i-2", "i-3"} {
		if err := src.Insert(ctx, record(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	if _, err := src.UpdateState(ctx, "i-2", models.StateStopped, nil); err != nil {
		t.Fatalf("stop i-2: %v", err)
	}
	// already present in dst
	if err := dst.Insert(ctx, record("i-3", base)); err != nil {
		t.Fatalf("seed dst: %v", err)
	}

	res, err := Copy(ctx, dst, src)
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	if res.Copied != 2 || res.Skipped != 1 {
		t.Fatalf("unexpected result %+v", res)
	}

	got, err := dst.Get(ctx, "i-2")
	if err != nil {
		t.Fatalf("get copied: %v", err)
	}
	if got.State != models.StateStopped || !got.CreatedAt.Equal(base.Add(time.Minute)) || got.Version != 1 {
		t.Fatalf("copied record mismatch: %+v", got)
	}

	// a second run copies nothing
	res, err = Copy(ctx, dst, src)
	if err != nil {
		t.Fatalf("second copy: %v", err)
	}
	if res.Copied != 0 || res.Skipped != 3 {
		t.Fatalf("second copy result %+v", res)
	}
}

const legacySchema = `
CREATE TABLE instances (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	public_ip TEXT,
	ami TEXT,
	instance_type TEXT,
	state TEXT,
	ssh_string TEXT,
	security_group_id TEXT,
	backend_used TEXT,
	created_at TIMESTAMP,
	updated_at TIMESTAMP
);`

func TestImportLegacy(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "instances.db")

	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		t.Fatalf("create legacy db: %v", err)
	}
	db.MustExec(legacySchema)
	db.MustExec(`INSERT INTO instances (id, name, public_ip, ami, instance_type, state, ssh_string, backend_used, created_at)
		VALUES ('i-0abc', 'web1', '54.1.2.3', 'ami-026992d753d5622bc', 't3.micro', 'running',
		'ssh -i ~/.ssh/id_rsa ec2-user@54.1.2.3', 'terraform', '2025-01-02 03:04:05.123456')`)
	db.MustExec(`INSERT INTO instances (id, name, state) VALUES ('i-0def', 'half', 'pending')`)
	db.MustExec(`INSERT INTO instances (id, name) VALUES ('', 'broken')`)
	db.Close()

	dst, err := NewInMemoryBadgerStore()
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	defer dst.Close()

	res, err := ImportLegacy(ctx, dst, path, "us-east-1")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if res.Copied != 2 || res.Skipped != 1 {
		t.Fatalf("unexpected result %+v", res)
	}

	got, err := dst.Get(ctx, "i-0abc")
	if err != nil {
		t.Fatalf("get imported: %v", err)
	}
	want := time.Date(2025, 1, 2, 3, 4, 5, 123456000, time.UTC)
	if got.Backend != "terraform" || got.PublicAddress != "54.1.2.3" || got.Region != "us-east-1" || !got.CreatedAt.Equal(want) {
		t.Fatalf("imported record mismatch: %+v", got)
	}

	half, err := dst.Get(ctx, "i-0def")
	if err != nil {
		t.Fatalf("get pending row: %v", err)
	}
	if half.State != models.StateRunning || half.Backend != "awscli" {
		t.Fatalf("pending row not normalized: %+v", half)
	}
}
