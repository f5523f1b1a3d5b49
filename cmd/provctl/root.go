package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/elpendex123/ec2-creator-local/internal/api"
	"github.com/elpendex123/ec2-creator-local/internal/rpc"
)

// options are shared by every subcommand. Flags may also be set through
// PROVCTL_* environment variables.
type options struct {
	v      *viper.Viper
	logger *zap.Logger

	connect func(o *options) (api.Service, func() error, error)
}

func (o *options) server() string { return o.v.GetString("server") }
func (o *options) grpcAddr() string { return o.v.GetString("grpc") }
func (o *options) timeout() time.Duration { return o.v.GetDuration("timeout") }
func (o *options) output() string { return o.v.GetString("output") }
func (o *options) natsURL() string { return o.v.GetString("nats_url") }
func (o *options) subject() string { return o.v.GetString("subject") }

func dial(o *options) (api.Service, func() error, error) {
	if addr := o.grpcAddr(); addr != "" {
		cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		o.logger.Debug("using gRPC", zap.String("addr", addr))
		return rpc.NewClient(cc), cc.Close, nil
	}
	o.logger.Debug("using REST", zap.String("server", o.server()))
	return api.NewClient(o.server(), &http.Client{Timeout: o.timeout()}), func() error { return nil }, nil
}

// withService runs fn against a connected service under the request timeout.
func (o *options) withService(cmd *cobra.Command, fn func(ctx context.Context, svc api.Service) error) error {
	svc, closeFn, err := o.connect(o)
	if err != nil {
		return err
	}
	defer closeFn()
	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout())
	defer cancel()
	return fn(ctx, svc)
}

func newRootCmd() *cobra.Command {
	return newRootCmdWith(dial)
}

func newRootCmdWith(connect func(o *options) (api.Service, func() error, error)) *cobra.Command {
	o := &options{v: viper.New(), logger: zap.NewNop(), connect: connect}

	cmd := &cobra.Command{
		Use:          "provctl",
		Short:        "Manage instances through provisiond",
		SilenceUsage: true,
	}
	cmd.PersistentPreRunE = func(*cobra.Command, []string) error {
		if o.v.GetBool("verbose") {
			l, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			o.logger = l
		}
		switch o.output() {
		case "table", "json":
			return nil
		default:
			return fmt.Errorf("unknown output format %q", o.output())
		}
	}

	f := cmd.PersistentFlags()
	f.String("server", "http://localhost:8000", "provisiond REST address")
	f.String("grpc", "", "provisiond gRPC address; overrides --server")
	f.Duration("timeout", 15*time.Minute, "request timeout")
	f.StringP("output", "o", "table", "output format (table or json)")
	f.BoolP("verbose", "v", false, "debug logging")
	for _, name := range []string{"server", "grpc", "timeout", "output", "verbose"} {
		_ = o.v.BindPFlag(name, f.Lookup(name))
	}
	o.v.SetEnvPrefix("PROVCTL")
	o.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	o.v.AutomaticEnv()

	cmd.AddCommand(
		newCreateCmd(o),
		newListCmd(o),
		newGetCmd(o),
		newTransitionCmd(o, "start", "Start a stopped instance"),
		newTransitionCmd(o, "stop", "Stop a running instance"),
		newDestroyCmd(o),
		newRefreshCmd(o),
		newOrphansCmd(o),
		newEventsCmd(o),
	)
	return cmd
}
