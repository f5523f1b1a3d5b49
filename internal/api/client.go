package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/elpendex123/ec2-creator-local/internal/lifecycle"
	"github.com/elpendex123/ec2-creator-local/internal/models"
)

// StatusError is a non-2xx answer from the REST API.
type StatusError struct {
	Status  int
	Kind    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

// Client calls the REST API. It implements Service so callers can swap it
// for the gRPC client.
type Client struct {
	base string
	hc   *http.Client
}

// NewClient returns a client for the server at base, e.g. http://localhost:8000.
// A nil hc uses http.DefaultClient.
func NewClient(base string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{base: strings.TrimRight(base, "/"), hc: hc}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var er ErrorResponse
		if json.Unmarshal(raw, &er) != nil || er.Error == "" {
			er.Error = strings.TrimSpace(string(raw))
		}
		return &StatusError{Status: resp.StatusCode, Kind: er.Kind, Message: er.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func instancePath(id string, suffix string) string {
	return "/instances/" + url.PathEscape(id) + suffix
}

func (i Instance) record() *models.Instance {
	out := &models.Instance{
		ID:             i.ID,
		Name:           i.Name,
		ImageID:        i.AMI,
		InstanceClass:  i.InstanceType,
		Region:         i.Region,
		PublicAddress:  i.PublicIP,
		ConnectionHint: i.SSHString,
		State:          models.State(i.State),
		Backend:        i.BackendUsed,
		Version:        i.Version,
		CreatedAt:      i.CreatedAt,
	}
	if i.UpdatedAt != nil {
		out.UpdatedAt = *i.UpdatedAt
	}
	return out
}

func (c *Client) instance(ctx context.Context, method, path string, in any) (*models.Instance, error) {
	var out Instance
	if err := c.do(ctx, method, path, in, &out); err != nil {
		return nil, err
	}
	return out.record(), nil
}

func (c *Client) Provision(ctx context.Context, spec models.CreateSpec) (*models.Instance, error) {
	return c.instance(ctx, http.MethodPost, "/instances", CreateRequest{
		Name:         spec.Name,
		AMI:          spec.ImageID,
		InstanceType: spec.InstanceClass,
		StorageGB:    spec.StorageGB,
		Backend:      spec.Backend,
	})
}

func (c *Client) List(ctx context.Context) ([]*models.Instance, error) {
	var out ListResponse
	if err := c.do(ctx, http.MethodGet, "/instances", nil, &out); err != nil {
		return nil, err
	}
	list := make([]*models.Instance, 0, len(out.Instances))
	for _, i := range out.Instances {
		list = append(list, i.record())
	}
	return list, nil
}

func (c *Client) Get(ctx context.Context, id string) (*models.Instance, error) {
	return c.instance(ctx, http.MethodGet, instancePath(id, ""), nil)
}

func (c *Client) Start(ctx context.Context, id string) (*models.Instance, error) {
	return c.instance(ctx, http.MethodPost, instancePath(id, "/start"), nil)
}

func (c *Client) Stop(ctx context.Context, id string) (*models.Instance, error) {
	return c.instance(ctx, http.MethodPost, instancePath(id, "/stop"), nil)
}

func (c *Client) Destroy(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, instancePath(id, ""), nil, nil)
}

func (c *Client) Refresh(ctx context.Context, id string) (lifecycle.Drift, error) {
	var out DriftResponse
	if err := c.do(ctx, http.MethodPost, instancePath(id, "/refresh"), nil, &out); err != nil {
		return lifecycle.Drift{}, err
	}
	return lifecycle.Drift{
		Instance:     out.Instance.record(),
		BackendState: out.BackendState,
		Drifted:      out.Drifted,
	}, nil
}

func (c *Client) Orphans(ctx context.Context, backend string) ([]models.Observed, error) {
	var out OrphansResponse
	if err := c.do(ctx, http.MethodGet, "/backends/"+url.PathEscape(backend)+"/orphans", nil, &out); err != nil {
		return nil, err
	}
	return out.Orphans, nil
}

var _ Service = (*Client)(nil)
