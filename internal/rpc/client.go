package rpc

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/elpendex123/ec2-creator-local/internal/lifecycle"
	"github.com/elpendex123/ec2-creator-local/internal/models"
)

// Client calls provisioner.v1.Instances and decodes records back into models.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in, out proto.Message) error {
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out)
}

// decode turns a Struct or ListValue back into v through its JSON form.
func decode(m proto.Message, v any) error {
	b, err := protojson.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func (c *Client) record(ctx context.Context, method string, in proto.Message) (*models.Instance, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, method, in, out); err != nil {
		return nil, err
	}
	var inst models.Instance
	if err := decode(out, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (c *Client) Provision(ctx context.Context, spec models.CreateSpec) (*models.Instance, error) {
	in, err := toStruct(spec)
	if err != nil {
		return nil, err
	}
	return c.record(ctx, "Provision", in)
}

func (c *Client) List(ctx context.Context) ([]*models.Instance, error) {
	out := new(structpb.ListValue)
	if err := c.invoke(ctx, "List", &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	var list []*models.Instance
	if err := decode(out, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Client) Get(ctx context.Context, id string) (*models.Instance, error) {
	return c.record(ctx, "Get", wrapperspb.String(id))
}

func (c *Client) Start(ctx context.Context, id string) (*models.Instance, error) {
	return c.record(ctx, "Start", wrapperspb.String(id))
}

func (c *Client) Stop(ctx context.Context, id string) (*models.Instance, error) {
	return c.record(ctx, "Stop", wrapperspb.String(id))
}

func (c *Client) Destroy(ctx context.Context, id string) error {
	return c.invoke(ctx, "Destroy", wrapperspb.String(id), new(emptypb.Empty))
}

func (c *Client) Refresh(ctx context.Context, id string) (lifecycle.Drift, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "Refresh", wrapperspb.String(id), out); err != nil {
		return lifecycle.Drift{}, err
	}
	var d lifecycle.Drift
	if err := decode(out, &d); err != nil {
		return lifecycle.Drift{}, err
	}
	return d, nil
}

func (c *Client) Orphans(ctx context.Context, backend string) ([]models.Observed, error) {
	out := new(structpb.ListValue)
	if err := c.invoke(ctx, "Orphans", wrapperspb.String(backend), out); err != nil {
		return nil, err
	}
	orphans := []models.Observed{}
	if err := decode(out, &orphans); err != nil {
		return nil, err
	}
	return orphans, nil
}
