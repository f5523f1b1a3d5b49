package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/elpendex123/ec2-creator-local/internal/models"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrExists            = errors.New("instance id already used")
	ErrIllegalTransition = errors.New("illegal state transition")
)

// AddressUpdate carries a new public address together with the connection
// hint derived from it, so both fields change in the same write.
type AddressUpdate struct {
	PublicAddress  string
	ConnectionHint string
}

// Store is durable keyed storage of instance records. Implementations
// serialize writes to the same record; different records are independent.
type Store interface {
	// Insert adds a new record. It fails with ErrExists if the id is live or
	// was ever deleted.
	Insert(ctx context.Context, inst *models.Instance) error
	Get(ctx context.Context, id string) (*models.Instance, error)
	// List returns all records, newest first by CreatedAt.
	List(ctx context.Context) ([]*models.Instance, error)
	// UpdateState moves a record to state, optionally replacing its address.
	// Transitions not allowed by models.CanTransition fail with ErrIllegalTransition.
	UpdateState(ctx context.Context, id string, state models.State, addr *AddressUpdate) (*models.Instance, error)
	UpdateAddress(ctx context.Context, id string, addr AddressUpdate) (*models.Instance, error)
	// Delete removes a record and retires its id. It reports whether a record existed.
	Delete(ctx context.Context, id string) (bool, error)
	Close() error
}

// Open opens the store selected by driver ("badger" or "sqlite") at path.
func Open(driver, path string) (Store, error) {
	switch driver {
	case "", "badger":
		s, err := NewBadgerStore(path)
		if err != nil {
			return nil, fmt.Errorf("open badger store: %w", err)
		}
		return s, nil
	case "sqlite", "sqlite3":
		s, err := NewSQLStore(path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

var now = func() time.Time { return time.Now().UTC() }

// stamp applies the common bookkeeping of a mutation.
func stamp(inst *models.Instance) {
	t := now()
	if t.Before(inst.CreatedAt) {
		t = inst.CreatedAt
	}
	inst.UpdatedAt = t
	inst.Version++
}

func prepareInsert(inst *models.Instance) error {
	if inst.ID == "" {
		return errors.New("instance id required")
	}
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now()
	}
	inst.UpdatedAt = inst.CreatedAt
	inst.Version = 1
	return nil
}

func applyState(inst *models.Instance, state models.State, addr *AddressUpdate) error {
	if !models.CanTransition(inst.State, state) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, inst.State, state)
	}
	inst.State = state
	if addr != nil {
		inst.PublicAddress = addr.PublicAddress
		inst.ConnectionHint = addr.ConnectionHint
	}
	stamp(inst)
	return nil
}
