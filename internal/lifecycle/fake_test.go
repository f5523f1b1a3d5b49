package lifecycle

import (
	"context"
	"sync"
	"testing"

	"github.com/elpendex123/ec2-creator-local/internal/backend"
	"github.com/elpendex123/ec2-creator-local/internal/models"
	"github.com/elpendex123/ec2-creator-local/internal/policy"
	"github.com/elpendex123/ec2-creator-local/internal/storage"
)

// fakeBackend counts calls per op and can fail or hold them.
type fakeBackend struct {
	mu       sync.Mutex
	calls    map[string]int
	created  backend.Created
	errs     map[string]error
	observed map[string]models.Observed
	// hold, when set, blocks every call until closed or ctx ends.
	hold    chan struct{}
	entered chan string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		calls:    make(map[string]int),
		errs:     make(map[string]error),
		observed: make(map[string]models.Observed),
		created:  backend.Created{ID: "i-100", PublicAddress: "10.0.0.5"},
	}
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) call(ctx context.Context, op string) error {
	f.mu.Lock()
	f.calls[op]++
	err := f.errs[op]
	hold, entered := f.hold, f.entered
	f.mu.Unlock()

	if entered != nil {
		entered <- op
	}
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeBackend) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeBackend) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeBackend) failWith(op string, err error) {
	f.mu.Lock()
	f.errs[op] = err
	f.mu.Unlock()
}

func (f *fakeBackend) observe(obs models.Observed) {
	f.mu.Lock()
	f.observed[obs.ID] = obs
	f.mu.Unlock()
}

func (f *fakeBackend) Create(ctx context.Context, spec models.CreateSpec) (backend.Created, error) {
	if err := f.call(ctx, "create"); err != nil {
		return backend.Created{}, err
	}
	return f.created, nil
}

func (f *fakeBackend) List(ctx context.Context) ([]models.Observed, error) {
	if err := f.call(ctx, "list"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Observed, 0, len(f.observed))
	for _, o := range f.observed {
		out = append(out, o)
	}
	return out, nil
}

func (f *fakeBackend) Lookup(ctx context.Context, id string) (models.Observed, error) {
	if err := f.call(ctx, "lookup"); err != nil {
		return models.Observed{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.observed[id]
	if !ok {
		return models.Observed{}, &backend.Error{Kind: backend.KindNotFound, Backend: "fake", Op: "lookup", Detail: "instance not found: " + id}
	}
	return o, nil
}

func (f *fakeBackend) Start(ctx context.Context, id string) error   { return f.call(ctx, "start") }
func (f *fakeBackend) Stop(ctx context.Context, id string) error    { return f.call(ctx, "stop") }
func (f *fakeBackend) Destroy(ctx context.Context, id string) error { return f.call(ctx, "destroy") }

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) Publish(ev models.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) kinds() []models.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *recorder) last() models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type harness struct {
	orch   *Orchestrator
	store  storage.Store
	be     *fakeBackend
	events *recorder
}

// rejectHuge admits everything except the "huge" class.
var rejectHuge = policy.Func(func(class, image, region string) bool { return class != "huge" })

func newHarness(t *testing.T, configure ...func(*Options)) *harness {
	t.Helper()
	store, err := storage.NewInMemoryBadgerStore()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	be := newFakeBackend()
	reg, err := backend.NewRegistry("fake", be)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	events := &recorder{}
	opts := Options{
		Region:     "us-east-1",
		SSHUser:    "ec2-user",
		SSHKeyPath: "~/.ssh/lab.pem",
		Notifier:   events,
	}
	for _, fn := range configure {
		fn(&opts)
	}
	return &harness{
		orch:   New(store, reg, rejectHuge, opts),
		store:  store,
		be:     be,
		events: events,
	}
}

var web1 = models.CreateSpec{Name: "web1", ImageID: "img-A", InstanceClass: "small", StorageGB: 8}

func (h *harness) provision(t *testing.T) *models.Instance {
	t.Helper()
	inst, err := h.orch.Provision(context.Background(), web1)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	return inst
}
