package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/elpendex123/ec2-creator-local/internal/backend"
	"github.com/elpendex123/ec2-creator-local/internal/models"
	"github.com/elpendex123/ec2-creator-local/internal/storage"
)

func TestCreateStopStartSequenceOnSim(t *testing.T) {
	store, err := storage.NewBadgerStore(filepath.Join(t.TempDir(), "badger"))
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	defer store.Close()

	logger := zaptest.NewLogger(t)
	sim := backend.NewSim("sim", 20*time.Millisecond, logger)
	reg, err := backend.NewRegistry("sim", sim)
	if err != nil {
		t.Fatal(err)
	}
	o := New(store, reg, rejectHuge, Options{Region: "local", Logger: logger})
	ctx := context.Background()

	inst, err := o.Provision(ctx, models.CreateSpec{Name: "web", ImageID: "img-A", InstanceClass: "small", StorageGB: 8})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id := inst.ID
	firstAddr := inst.PublicAddress

	// wait for the simulated boot
	time.Sleep(60 * time.Millisecond)
	if d, err := o.Refresh(ctx, id); err != nil || d.Drifted {
		t.Fatalf("refresh after boot: %+v, %v", d, err)
	}

	if _, err := o.Stop(ctx, id); err != nil {
		t.Fatalf("stop: %v", err)
	}
	started, err := o.Start(ctx, id)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.State != models.StateRunning || started.PublicAddress == firstAddr {
		t.Fatalf("expected running with a new address, got %+v", started)
	}

	sim.FailNext("destroy", "RequestLimitExceeded")
	if err := o.Destroy(ctx, id); !errors.Is(err, ErrBackendExecution) {
		t.Fatalf("injected failure: %v", err)
	}
	if err := o.Destroy(ctx, id); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := o.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after destroy: %v", err)
	}
}

func TestSimPartitionIsUnavailable(t *testing.T) {
	store, err := storage.NewInMemoryBadgerStore()
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	sim := backend.NewSim("sim", time.Millisecond, nil)
	reg, _ := backend.NewRegistry("sim", sim)
	o := New(store, reg, rejectHuge, Options{})

	sim.Partition()
	_, err = o.Provision(context.Background(), web1)
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("err = %v, want BackendUnavailable", err)
	}
	sim.Heal()
	if _, err := o.Provision(context.Background(), web1); err != nil {
		t.Fatalf("after heal: %v", err)
	}
}
