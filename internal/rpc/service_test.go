package rpc

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/elpendex123/ec2-creator-local/internal/backend"
	"github.com/elpendex123/ec2-creator-local/internal/lifecycle"
	"github.com/elpendex123/ec2-creator-local/internal/models"
	"github.com/elpendex123/ec2-creator-local/internal/policy"
	"github.com/elpendex123/ec2-creator-local/internal/storage"
)

func newTestClient(t *testing.T) (*Client, *backend.Sim) {
	t.Helper()
	store, err := storage.NewInMemoryBadgerStore()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	logger := zaptest.NewLogger(t)
	sim := backend.NewSim("sim", time.Millisecond, logger)
	reg, err := backend.NewRegistry("sim", sim)
	if err != nil {
		t.Fatal(err)
	}
	orch := lifecycle.New(store, reg,
		policy.NewAllowList([]string{"small"}, map[string][]string{"local": {policy.AnyImage}}),
		lifecycle.Options{Region: "local", Logger: logger})

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer(grpc.UnaryInterceptor(LoggingInterceptor(logger)))
	Register(gs, orch)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { cc.Close() })
	return NewClient(cc), sim
}

func TestInstancesOverGRPC(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	inst, err := c.Provision(ctx, models.CreateSpec{Name: "web1", ImageID: "img-A", InstanceClass: "small", StorageGB: 8})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if inst.ID == "" || inst.State != models.StateRunning || inst.Version != 1 || inst.CreatedAt.IsZero() {
		t.Fatalf("provisioned: %+v", inst)
	}

	got, err := c.Get(ctx, inst.ID)
	if err != nil || got.Name != "web1" || got.PublicAddress != inst.PublicAddress {
		t.Fatalf("get: %+v, %v", got, err)
	}

	list, err := c.List(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v, %v", list, err)
	}

	stopped, err := c.Stop(ctx, inst.ID)
	if err != nil || stopped.State != models.StateStopped {
		t.Fatalf("stop: %+v, %v", stopped, err)
	}
	started, err := c.Start(ctx, inst.ID)
	if err != nil || started.State != models.StateRunning {
		t.Fatalf("start: %+v, %v", started, err)
	}

	d, err := c.Refresh(ctx, inst.ID)
	if err != nil || d.Instance == nil || d.Instance.ID != inst.ID {
		t.Fatalf("refresh: %+v, %v", d, err)
	}

	orphans, err := c.Orphans(ctx, "sim")
	if err != nil || len(orphans) != 0 {
		t.Fatalf("orphans: %v, %v", orphans, err)
	}

	if err := c.Destroy(ctx, inst.ID); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := c.Get(ctx, inst.ID); status.Code(err) != codes.NotFound {
		t.Fatalf("get after destroy: %v", err)
	}
}

func TestGRPCErrorCodes(t *testing.T) {
	c, sim := newTestClient(t)
	ctx := context.Background()

	_, err := c.Provision(ctx, models.CreateSpec{Name: "web1", ImageID: "img-A", InstanceClass: "huge", StorageGB: 8})
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("ineligible: %v", err)
	}
	_, err = c.Provision(ctx, models.CreateSpec{Name: "", ImageID: "img-A", InstanceClass: "small", StorageGB: 8})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("invalid: %v", err)
	}
	if _, err := c.Stop(ctx, ""); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("empty id: %v", err)
	}

	sim.Partition()
	_, err = c.Provision(ctx, models.CreateSpec{Name: "web1", ImageID: "img-A", InstanceClass: "small", StorageGB: 8})
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("partitioned: %v", err)
	}
}

func TestCodeOf(t *testing.T) {
	cases := map[lifecycle.Kind]codes.Code{
		lifecycle.KindValidation:          codes.InvalidArgument,
		lifecycle.KindEligibilityRejected: codes.FailedPrecondition,
		lifecycle.KindNotFound:            codes.NotFound,
		lifecycle.KindConflict:            codes.Aborted,
		lifecycle.KindBackendUnavailable:  codes.Unavailable,
		lifecycle.KindBackendTimeout:      codes.DeadlineExceeded,
		lifecycle.KindBackendExecution:    codes.Unknown,
		lifecycle.KindBackendParse:        codes.Internal,
		lifecycle.KindStore:               codes.Internal,
	}
	for kind, want := range cases {
		if got := CodeOf(&lifecycle.Error{Kind: kind}); got != want {
			t.Errorf("CodeOf(%v) = %v, want %v", kind, got, want)
		}
	}
	if CodeOf(errors.New("x")) != codes.Internal {
		t.Error("plain error should be Internal")
	}
}
