package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/elpendex123/ec2-creator-local/internal/models"
)

// parseCreateOutput decodes "instance_id|public_ip". Scripts may print
// progress lines before the result, so the id is the last non-empty line of
// the first field. "None" and "null" mean no address.
func parseCreateOutput(raw string) (Created, error) {
	first, rest, _ := strings.Cut(raw, "|")

	var id string
	for _, line := range strings.Split(first, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			id = line
		}
	}
	if id == "" {
		return Created{}, errors.New("missing instance id")
	}
	if strings.ContainsAny(id, " \t") {
		return Created{}, fmt.Errorf("malformed instance id %q", id)
	}

	addr, _, _ := strings.Cut(rest, "|")
	addr = strings.TrimSpace(addr)
	if i := strings.IndexByte(addr, '\n'); i >= 0 {
		addr = strings.TrimSpace(addr[:i])
	}
	switch addr {
	case "None", "null", "-":
		addr = ""
	}
	if strings.ContainsAny(addr, " \t") {
		return Created{}, fmt.Errorf("malformed public address %q", addr)
	}
	return Created{ID: id, PublicAddress: addr}, nil
}

// describeInstancesOutput is the subset of `aws ec2 describe-instances` we read.
type describeInstancesOutput struct {
	Reservations []struct {
		Instances []struct {
			InstanceID      string `json:"InstanceId"`
			ImageID         string `json:"ImageId"`
			InstanceType    string `json:"InstanceType"`
			PublicIPAddress string `json:"PublicIpAddress"`
			LaunchTime      string `json:"LaunchTime"`
			State           struct {
				Name string `json:"Name"`
			} `json:"State"`
		} `json:"Instances"`
	} `json:"Reservations"`
}

func decodeDescribeInstances(raw string) ([]models.Observed, error) {
	if strings.TrimSpace(raw) == "" {
		return []models.Observed{}, nil
	}
	var out describeInstancesOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode describe-instances: %w", err)
	}
	list := []models.Observed{}
	for _, r := range out.Reservations {
		for _, i := range r.Instances {
			list = append(list, models.Observed{
				ID:            i.InstanceID,
				State:         i.State.Name,
				PublicAddress: i.PublicIPAddress,
				InstanceClass: i.InstanceType,
				ImageID:       i.ImageID,
				LaunchTime:    i.LaunchTime,
			})
		}
	}
	return list, nil
}

type terraformShow struct {
	Values *struct {
		RootModule terraformModule `json:"root_module"`
	} `json:"values"`
}

type terraformModule struct {
	Resources    []terraformResource `json:"resources"`
	ChildModules []terraformModule   `json:"child_modules"`
}

type terraformResource struct {
	Type   string `json:"type"`
	Values struct {
		ID            string `json:"id"`
		PublicIP      string `json:"public_ip"`
		InstanceType  string `json:"instance_type"`
		AMI           string `json:"ami"`
		InstanceState string `json:"instance_state"`
	} `json:"values"`
}

// decodeTerraformShow reads aws_instance resources from `terraform show -json`.
// Resources without an instance_state attribute are reported running, since
// terraform only keeps live instances in state.
func decodeTerraformShow(raw string) ([]models.Observed, error) {
	if strings.TrimSpace(raw) == "" {
		return []models.Observed{}, nil
	}
	var show terraformShow
	if err := json.Unmarshal([]byte(raw), &show); err != nil {
		return nil, fmt.Errorf("decode terraform state: %w", err)
	}
	list := []models.Observed{}
	if show.Values == nil {
		return list, nil
	}
	var walk func(m terraformModule)
	walk = func(m terraformModule) {
		for _, r := range m.Resources {
			if r.Type != "aws_instance" {
				continue
			}
			state := r.Values.InstanceState
			if state == "" {
				state = string(models.StateRunning)
			}
			list = append(list, models.Observed{
				ID:            r.Values.ID,
				State:         state,
				PublicAddress: r.Values.PublicIP,
				InstanceClass: r.Values.InstanceType,
				ImageID:       r.Values.AMI,
			})
		}
		for _, child := range m.ChildModules {
			walk(child)
		}
	}
	walk(show.Values.RootModule)
	return list, nil
}

// NormalizeState maps a backend-native state name onto the record state
// vocabulary. Unknown names come back as "".
func NormalizeState(native string) models.State {
	switch strings.ToLower(native) {
	case "pending", "restarting", "created":
		return models.StatePending
	case "running":
		return models.StateRunning
	case "stopping", "stopped", "exited", "paused":
		return models.StateStopped
	case "shutting-down", "terminated", "removing", "dead":
		return models.StateTerminated
	}
	return ""
}
