package api

import (
	"time"

	"github.com/elpendex123/ec2-creator-local/internal/lifecycle"
	"github.com/elpendex123/ec2-creator-local/internal/models"
)

// CreateRequest is the body of POST /instances.
type CreateRequest struct {
	Name         string `json:"name"`
	AMI          string `json:"ami"`
	InstanceType string `json:"instance_type"`
	StorageGB    int    `json:"storage_gb"`
	Backend      string `json:"backend,omitempty"`
}

func (r CreateRequest) spec() models.CreateSpec {
	return models.CreateSpec{
		Name:          r.Name,
		ImageID:       r.AMI,
		InstanceClass: r.InstanceType,
		StorageGB:     r.StorageGB,
		Backend:       r.Backend,
	}
}

// Instance is the wire form of a record.
type Instance struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	PublicIP     string     `json:"public_ip"`
	SSHString    string     `json:"ssh_string"`
	State        string     `json:"state"`
	AMI          string     `json:"ami"`
	InstanceType string     `json:"instance_type"`
	Region       string     `json:"region"`
	BackendUsed  string     `json:"backend_used"`
	Version      int64      `json:"version"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
}

func toInstance(inst *models.Instance) Instance {
	out := Instance{
		ID:           inst.ID,
		Name:         inst.Name,
		PublicIP:     inst.PublicAddress,
		SSHString:    inst.ConnectionHint,
		State:        string(inst.State),
		AMI:          inst.ImageID,
		InstanceType: inst.InstanceClass,
		Region:       inst.Region,
		BackendUsed:  inst.Backend,
		Version:      inst.Version,
		CreatedAt:    inst.CreatedAt,
	}
	if !inst.UpdatedAt.IsZero() {
		u := inst.UpdatedAt
		out.UpdatedAt = &u
	}
	return out
}

type ListResponse struct {
	Instances []Instance `json:"instances"`
}

type DriftResponse struct {
	Instance     Instance `json:"instance"`
	BackendState string   `json:"backend_state"`
	Drifted      bool     `json:"drifted"`
}

func toDrift(d lifecycle.Drift) DriftResponse {
	return DriftResponse{Instance: toInstance(d.Instance), BackendState: d.BackendState, Drifted: d.Drifted}
}

type OrphansResponse struct {
	Backend string            `json:"backend"`
	Orphans []models.Observed `json:"orphans"`
}

// ErrorResponse carries the error kind so clients can branch without
// parsing the message.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
