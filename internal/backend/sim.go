package backend

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/elpendex123/ec2-creator-local/internal/models"
)

// simMachine is one simulated instance.
type simMachine struct {
	obs   models.Observed
	boots int
}

// Sim is an in-memory provider. Machines boot in the background after
// BootDelay, the way a real cloud reports pending before running. It also
// supports fault injection so drift and failure handling can be exercised
// without a cloud account.
type Sim struct {
	name      string
	bootDelay time.Duration
	logger    *zap.Logger

	mu       sync.RWMutex
	machines map[string]*simMachine
	nextAddr int

	// fault injection
	partitioned bool
	latency     time.Duration
	failNext    map[string]string
}

// NewSim creates a simulated backend registered under name.
func NewSim(name string, bootDelay time.Duration, logger *zap.Logger) *Sim {
	if name == "" {
		name = "sim"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sim{
		name:      name,
		bootDelay: bootDelay,
		logger:    logger.Named(name),
		machines:  make(map[string]*simMachine),
		failNext:  make(map[string]string),
	}
}

func (s *Sim) Name() string { return s.name }

// Partition makes every call fail as unavailable until Heal.
func (s *Sim) Partition() {
	s.mu.Lock()
	s.partitioned = true
	s.mu.Unlock()
}

// Heal clears the partition and any injected latency.
func (s *Sim) Heal() {
	s.mu.Lock()
	s.partitioned = false
	s.latency = 0
	s.mu.Unlock()
}

// SetLatency delays every call by d.
func (s *Sim) SetLatency(d time.Duration) {
	s.mu.Lock()
	s.latency = d
	s.mu.Unlock()
}

// FailNext makes the next call of op fail with an execution error carrying detail.
func (s *Sim) FailNext(op, detail string) {
	s.mu.Lock()
	s.failNext[op] = detail
	s.mu.Unlock()
}

// enter applies injected faults for op.
func (s *Sim) enter(ctx context.Context, op string) error {
	s.mu.Lock()
	partitioned, latency := s.partitioned, s.latency
	detail, fail := s.failNext[op]
	delete(s.failNext, op)
	s.mu.Unlock()

	if partitioned {
		return newError(KindUnavailable, s.name, op, "region partitioned", nil)
	}
	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return newError(KindTimeout, s.name, op, "call interrupted after injected latency", ctx.Err())
		}
	}
	if fail {
		return newError(KindExecution, s.name, op, detail, nil)
	}
	return nil
}

func (s *Sim) Create(ctx context.Context, spec models.CreateSpec) (Created, error) {
	if err := s.enter(ctx, "create"); err != nil {
		return Created{}, err
	}
	id := "i-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:17]

	s.mu.Lock()
	s.nextAddr++
	addr := fmt.Sprintf("10.0.%d.%d", s.nextAddr/250, s.nextAddr%250+1)
	s.machines[id] = &simMachine{obs: models.Observed{
		ID:            id,
		State:         string(models.StatePending),
		PublicAddress: addr,
		InstanceClass: spec.InstanceClass,
		ImageID:       spec.ImageID,
		LaunchTime:    time.Now().UTC().Format(time.RFC3339),
	}}
	s.mu.Unlock()

	s.boot(id)
	return Created{ID: id, PublicAddress: addr}, nil
}

// boot moves a pending machine to running after the boot delay.
func (s *Sim) boot(id string) {
	s.mu.Lock()
	m, ok := s.machines[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	m.boots++
	generation := m.boots
	s.mu.Unlock()

	finish := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		m, ok := s.machines[id]
		// a later stop or destroy wins over an in-flight boot
		if !ok || m.boots != generation || m.obs.State != string(models.StatePending) {
			return
		}
		m.obs.State = string(models.StateRunning)
		s.logger.Debug("machine booted", zap.String("id", id))
	}
	if s.bootDelay <= 0 {
		finish()
		return
	}
	time.AfterFunc(s.bootDelay, finish)
}

func (s *Sim) List(ctx context.Context) ([]models.Observed, error) {
	if err := s.enter(ctx, "list"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Observed, 0, len(s.machines))
	for _, m := range s.machines {
		out = append(out, m.obs)
	}
	return out, nil
}

func (s *Sim) Lookup(ctx context.Context, id string) (models.Observed, error) {
	if err := s.enter(ctx, "lookup"); err != nil {
		return models.Observed{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.machines[id]
	if !ok {
		return models.Observed{}, newError(KindNotFound, s.name, "lookup", "instance not found: "+id, nil)
	}
	return m.obs, nil
}

func (s *Sim) Start(ctx context.Context, id string) error {
	if err := s.enter(ctx, "start"); err != nil {
		return err
	}
	s.mu.Lock()
	m, ok := s.machines[id]
	if !ok {
		s.mu.Unlock()
		return newError(KindExecution, s.name, "start", "InvalidInstanceID.NotFound: "+id, nil)
	}
	if m.obs.State == string(models.StateRunning) || m.obs.State == string(models.StatePending) {
		s.mu.Unlock()
		return nil
	}
	m.obs.State = string(models.StatePending)
	// a restarted machine gets a fresh public address
	s.nextAddr++
	m.obs.PublicAddress = fmt.Sprintf("10.0.%d.%d", s.nextAddr/250, s.nextAddr%250+1)
	s.mu.Unlock()

	s.boot(id)
	return nil
}

func (s *Sim) Stop(ctx context.Context, id string) error {
	if err := s.enter(ctx, "stop"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[id]
	if !ok {
		return newError(KindExecution, s.name, "stop", "InvalidInstanceID.NotFound: "+id, nil)
	}
	m.obs.State = string(models.StateStopped)
	return nil
}

func (s *Sim) Destroy(ctx context.Context, id string) error {
	if err := s.enter(ctx, "destroy"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.machines[id]; !ok {
		return newError(KindExecution, s.name, "destroy", "InvalidInstanceID.NotFound: "+id, nil)
	}
	delete(s.machines, id)
	return nil
}
