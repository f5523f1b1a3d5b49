package models

import "time"

// State is the lifecycle state of an instance.
type State string

const (
	StatePending    State = "pending"
	StateRunning    State = "running"
	StateStopped    State = "stopped"
	StateTerminated State = "terminated"
)

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateRunning, StateStopped, StateTerminated:
		return true
	}
	return false
}

// transitions lists the legal edges of the instance state machine.
// pending is never persisted: a successful create lands directly in running.
var transitions = map[State][]State{
	StatePending: {StateRunning},
	StateRunning: {StateStopped, StateTerminated},
	StateStopped: {StateRunning, StateTerminated},
}

// CanTransition reports whether an instance in state from may move to state to.
// terminated has no outgoing edges.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Instance is the locally persisted record of one provisioned resource.
// Shared between the orchestrator and storage layers.
type Instance struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	ImageID        string    `json:"image_id"`
	InstanceClass  string    `json:"instance_class"`
	Region         string    `json:"region"`
	PublicAddress  string    `json:"public_address"`
	ConnectionHint string    `json:"connection_hint"`
	State          State     `json:"state"`
	Backend        string    `json:"backend_used"`
	Version        int64     `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Clone returns a copy that callers may mutate freely.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	c := *i
	return &c
}

// CreateSpec is a fully formed request to provision one instance.
type CreateSpec struct {
	Name          string `json:"name"`
	ImageID       string `json:"image_id"`
	InstanceClass string `json:"instance_class"`
	StorageGB     int    `json:"storage_gb"`
	// Backend selects the provisioning mechanism; empty means the configured default.
	Backend string `json:"backend,omitempty"`
}

// Observed is what a backend reports about one of its instances.
type Observed struct {
	ID            string `json:"id"`
	State         string `json:"state"`
	PublicAddress string `json:"public_address"`
	InstanceClass string `json:"instance_class"`
	ImageID       string `json:"image_id"`
	LaunchTime    string `json:"launch_time,omitempty"`
}

// EventKind names a lifecycle event sent to notification sinks.
type EventKind string

const (
	EventCreate  EventKind = "create"
	EventStart   EventKind = "start"
	EventStop    EventKind = "stop"
	EventDestroy EventKind = "destroy"
)

// Event is a lifecycle notification carrying a snapshot of the record.
type Event struct {
	ID       string    `json:"id"`
	Kind     EventKind `json:"event"`
	Instance Instance  `json:"instance"`
	Time     time.Time `json:"time"`
}
