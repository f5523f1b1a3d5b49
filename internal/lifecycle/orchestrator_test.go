package lifecycle

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/elpendex123/ec2-creator-local/internal/backend"
	"github.com/elpendex123/ec2-creator-local/internal/models"
)

func TestProvisionRecordsRunningInstance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	inst := h.provision(t)
	if inst.ID != "i-100" || inst.State != models.StateRunning || inst.PublicAddress != "10.0.0.5" {
		t.Fatalf("unexpected record: %+v", inst)
	}
	if inst.ConnectionHint != "ssh -i ~/.ssh/lab.pem ec2-user@10.0.0.5" {
		t.Fatalf("connection hint = %q", inst.ConnectionHint)
	}
	if inst.Backend != "fake" || inst.Region != "us-east-1" {
		t.Fatalf("backend/region = %q/%q", inst.Backend, inst.Region)
	}

	got, err := h.orch.Get(ctx, "i-100")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != models.StateRunning || got.Name != "web1" {
		t.Fatalf("stored record: %+v", got)
	}
	if k := h.events.kinds(); len(k) != 1 || k[0] != models.EventCreate {
		t.Fatalf("events = %v", k)
	}
}

func TestProvisionWithoutAddressHasEmptyHint(t *testing.T) {
	h := newHarness(t)
	h.be.created = backend.Created{ID: "i-101"}

	inst := h.provision(t)
	if inst.PublicAddress != "" || inst.ConnectionHint != "" {
		t.Fatalf("expected empty address and hint, got %+v", inst)
	}
}

func TestStopThenGet(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.provision(t)

	inst, err := h.orch.Stop(ctx, "i-100")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if inst.State != models.StateStopped {
		t.Fatalf("state after stop = %s", inst.State)
	}
	got, _ := h.orch.Get(ctx, "i-100")
	if got.State != models.StateStopped {
		t.Fatalf("stored state = %s", got.State)
	}
	if h.be.count("stop") != 1 {
		t.Fatalf("stop calls = %d", h.be.count("stop"))
	}
	if ev := h.events.last(); ev.Kind != models.EventStop || ev.Instance.State != models.StateStopped {
		t.Fatalf("last event = %+v", ev)
	}
}

func TestUnknownIDNeverReachesBackend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	checks := map[string]func() error{
		"get":     func() error { _, err := h.orch.Get(ctx, "i-999"); return err },
		"start":   func() error { _, err := h.orch.Start(ctx, "i-999"); return err },
		"stop":    func() error { _, err := h.orch.Stop(ctx, "i-999"); return err },
		"destroy": func() error { return h.orch.Destroy(ctx, "i-999") },
		"refresh": func() error { _, err := h.orch.Refresh(ctx, "i-999"); return err },
	}
	for op, fn := range checks {
		err := fn()
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: err = %v, want NotFound", op, err)
		}
	}
	if n := h.be.total(); n != 0 {
		t.Fatalf("backend called %d times", n)
	}
	if len(h.events.kinds()) != 0 {
		t.Fatal("events emitted for failed operations")
	}
}

func TestEligibilityRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	spec := web1
	spec.InstanceClass = "huge"
	_, err := h.orch.Provision(ctx, spec)
	if KindOf(err) != KindEligibilityRejected {
		t.Fatalf("err = %v, want EligibilityRejected", err)
	}
	if h.be.total() != 0 {
		t.Fatalf("backend called %d times", h.be.total())
	}
	list, _ := h.orch.List(ctx)
	if len(list) != 0 {
		t.Fatalf("store has %d records", len(list))
	}
}

func TestProvisionValidation(t *testing.T) {
	h := newHarness(t)
	bad := []models.CreateSpec{
		{ImageID: "img-A", InstanceClass: "small", StorageGB: 8},
		{Name: "web1", InstanceClass: "small", StorageGB: 8},
		{Name: "web1", ImageID: "img-A", StorageGB: 8},
		{Name: "web1", ImageID: "img-A", InstanceClass: "small"},
		{Name: "web1", ImageID: "img-A", InstanceClass: "small", StorageGB: 8, Backend: "nope"},
		{Name: "web1\r\nBcc: victim@example.com", ImageID: "img-A", InstanceClass: "small", StorageGB: 8},
		{Name: "web\x001", ImageID: "img-A", InstanceClass: "small", StorageGB: 8},
	}
	for _, spec := range bad {
		if _, err := h.orch.Provision(context.Background(), spec); !errors.Is(err, ErrValidation) {
			t.Errorf("Provision(%+v) err = %v, want Validation", spec, err)
		}
	}
	if h.be.total() != 0 {
		t.Fatalf("backend called %d times", h.be.total())
	}
}

func TestProvisionBackendFailureWritesNothing(t *testing.T) {
	cases := map[string]struct {
		err  error
		kind Kind
	}{
		"unavailable": {&backend.Error{Kind: backend.KindUnavailable, Backend: "fake", Op: "create", Detail: "script missing"}, KindBackendUnavailable},
		"execution":   {&backend.Error{Kind: backend.KindExecution, Backend: "fake", Op: "create", Detail: "UnauthorizedOperation"}, KindBackendExecution},
		"parse":       {&backend.Error{Kind: backend.KindParse, Backend: "fake", Op: "create", Detail: "garbage"}, KindBackendParse},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.be.failWith("create", c.err)

			_, err := h.orch.Provision(context.Background(), web1)
			if KindOf(err) != c.kind {
				t.Fatalf("kind = %v, want %v (%v)", KindOf(err), c.kind, err)
			}
			if !errors.Is(err, c.err) {
				t.Fatalf("backend error not wrapped: %v", err)
			}
			list, _ := h.orch.List(context.Background())
			if len(list) != 0 {
				t.Fatalf("record written after failed create")
			}
			if len(h.events.kinds()) != 0 {
				t.Fatal("event emitted after failed create")
			}
		})
	}
}

func TestStopFailureLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.provision(t)

	diag := "An error occurred (IncorrectInstanceState) when calling the StopInstances operation"
	h.be.failWith("stop", &backend.Error{Kind: backend.KindExecution, Backend: "fake", Op: "stop", Detail: diag})

	_, err := h.orch.Stop(ctx, "i-100")
	if !errors.Is(err, ErrBackendExecution) {
		t.Fatalf("err = %v, want BackendExecution", err)
	}
	var le *Error
	if !errors.As(err, &le) || le.Detail != diag || le.ID != "i-100" || le.Op != "stop" {
		t.Fatalf("error detail lost: %+v", le)
	}
	if !strings.Contains(err.Error(), diag) {
		t.Fatalf("message %q misses diagnostic", err.Error())
	}
	got, _ := h.orch.Get(ctx, "i-100")
	if got.State != models.StateRunning || got.Version != 1 {
		t.Fatalf("record changed: %+v", got)
	}
	if k := h.events.kinds(); len(k) != 1 {
		t.Fatalf("events = %v", k)
	}
}

func TestIllegalTransitionIsConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.provision(t)

	if _, err := h.orch.Start(ctx, "i-100"); !errors.Is(err, ErrConflict) {
		t.Fatalf("start running instance: err = %v, want Conflict", err)
	}
	if _, err := h.orch.Stop(ctx, "i-100"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.orch.Stop(ctx, "i-100"); !errors.Is(err, ErrConflict) {
		t.Fatalf("stop stopped instance: err = %v, want Conflict", err)
	}
	if h.be.count("start") != 0 || h.be.count("stop") != 1 {
		t.Fatalf("calls: start=%d stop=%d", h.be.count("start"), h.be.count("stop"))
	}
}

func TestStartRefreshesAddress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.provision(t)
	if _, err := h.orch.Stop(ctx, "i-100"); err != nil {
		t.Fatal(err)
	}

	h.be.observe(models.Observed{ID: "i-100", State: "running", PublicAddress: "54.1.2.3"})
	inst, err := h.orch.Start(ctx, "i-100")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if inst.State != models.StateRunning || inst.PublicAddress != "54.1.2.3" {
		t.Fatalf("record after start: %+v", inst)
	}
	if inst.ConnectionHint != "ssh -i ~/.ssh/lab.pem ec2-user@54.1.2.3" {
		t.Fatalf("hint = %q", inst.ConnectionHint)
	}
}

func TestStartSurvivesLookupFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.provision(t)
	if _, err := h.orch.Stop(ctx, "i-100"); err != nil {
		t.Fatal(err)
	}
	h.be.failWith("lookup", &backend.Error{Kind: backend.KindUnavailable, Backend: "fake", Op: "lookup"})

	inst, err := h.orch.Start(ctx, "i-100")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if inst.State != models.StateRunning || inst.PublicAddress != "10.0.0.5" {
		t.Fatalf("record after start: %+v", inst)
	}
}

func TestDestroy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.provision(t)

	if err := h.orch.Destroy(ctx, "i-100"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := h.orch.Get(ctx, "i-100"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after destroy: %v", err)
	}
	ev := h.events.last()
	if ev.Kind != models.EventDestroy || ev.Instance.State != models.StateTerminated || ev.ID == "" {
		t.Fatalf("destroy event = %+v", ev)
	}

	// a retired id is never recorded again
	if _, err := h.orch.Provision(ctx, web1); !errors.Is(err, ErrConflict) {
		t.Fatalf("reprovision retired id: %v", err)
	}
}

func TestDestroyFailureKeepsRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.provision(t)
	h.be.failWith("destroy", &backend.Error{Kind: backend.KindExecution, Backend: "fake", Op: "destroy", Detail: "DependencyViolation"})

	if err := h.orch.Destroy(ctx, "i-100"); !errors.Is(err, ErrBackendExecution) {
		t.Fatalf("err = %v", err)
	}
	got, err := h.orch.Get(ctx, "i-100")
	if err != nil || got.State != models.StateRunning {
		t.Fatalf("record after failed destroy: %+v, %v", got, err)
	}

	h.be.failWith("destroy", nil)
	if err := h.orch.Destroy(ctx, "i-100"); err != nil {
		t.Fatalf("retry destroy: %v", err)
	}
}

func TestBackendTimeoutLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.CallTimeout = 50 * time.Millisecond })
	ctx := context.Background()
	h.provision(t)
	h.be.hold = make(chan struct{})

	_, err := h.orch.Stop(ctx, "i-100")
	if !errors.Is(err, ErrBackendTimeout) {
		t.Fatalf("err = %v, want BackendTimeout", err)
	}
	got, _ := h.orch.Get(ctx, "i-100")
	if got.State != models.StateRunning {
		t.Fatalf("state = %s after timeout", got.State)
	}
}

func TestListNewestFirstAndIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, id := range []string{"i-1", "i-2", "i-3"} {
		h.be.created = backend.Created{ID: id}
		h.provision(t)
		time.Sleep(2 * time.Millisecond)
	}
	first, err := h.orch.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	second, _ := h.orch.List(ctx)
	if len(first) != 3 || first[0].ID != "i-3" || first[2].ID != "i-1" {
		t.Fatalf("order: %v", ids(first))
	}
	for i := range first {
		if *first[i] != *second[i] {
			t.Fatalf("list not idempotent at %d: %+v vs %+v", i, first[i], second[i])
		}
	}
	if h.be.count("list") != 0 {
		t.Fatal("List reached the backend")
	}
}

func ids(list []*models.Instance) []string {
	out := make([]string, len(list))
	for i, inst := range list {
		out[i] = inst.ID
	}
	return out
}

func TestRefresh(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.provision(t)

	h.be.observe(models.Observed{ID: "i-100", State: "stopped", PublicAddress: "54.9.9.9"})
	d, err := h.orch.Refresh(ctx, "i-100")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !d.Drifted || d.BackendState != "stopped" {
		t.Fatalf("drift = %+v", d)
	}
	if d.Instance.State != models.StateRunning || d.Instance.PublicAddress != "54.9.9.9" {
		t.Fatalf("refresh must update address only: %+v", d.Instance)
	}

	h.be.observe(models.Observed{ID: "i-100", State: "running", PublicAddress: "54.9.9.9"})
	if d, _ := h.orch.Refresh(ctx, "i-100"); d.Drifted {
		t.Fatalf("unexpected drift: %+v", d)
	}
}

func TestRefreshMissingOnBackend(t *testing.T) {
	h := newHarness(t)
	h.provision(t)

	d, err := h.orch.Refresh(context.Background(), "i-100")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !d.Drifted || d.BackendState != BackendMissing {
		t.Fatalf("drift = %+v", d)
	}
}

func TestOrphans(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.provision(t)
	h.be.observe(models.Observed{ID: "i-100", State: "running"})
	h.be.observe(models.Observed{ID: "i-200", State: "running"})
	h.be.observe(models.Observed{ID: "i-300", State: "terminated"})

	orphans, err := h.orch.Orphans(ctx, "fake")
	if err != nil {
		t.Fatalf("orphans: %v", err)
	}
	if len(orphans) != 1 || orphans[0].ID != "i-200" {
		t.Fatalf("orphans = %+v", orphans)
	}
	if _, err := h.orch.Orphans(ctx, "nope"); !errors.Is(err, ErrValidation) {
		t.Fatalf("unknown backend: %v", err)
	}
}

func TestSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	h := newHarness(t, func(o *Options) { o.Tracer = tp })

	h.provision(t)
	_, _ = h.orch.Stop(context.Background(), "i-999")

	names := map[string]bool{}
	for _, s := range sr.Ended() {
		names[s.Name()] = true
	}
	for _, want := range []string{"lifecycle.provision", "backend.create", "lifecycle.stop"} {
		if !names[want] {
			t.Errorf("span %q not recorded; got %v", want, names)
		}
	}
}
