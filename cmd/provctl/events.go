package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/elpendex123/ec2-creator-local/internal/models"
)

func newEventsCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow lifecycle events published on NATS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			nc, err := nats.Connect(o.natsURL(), nats.Name("provctl"))
			if err != nil {
				return fmt.Errorf("connect %s: %w", o.natsURL(), err)
			}
			defer nc.Drain()

			subject := o.subject() + ".>"
			sub, err := nc.Subscribe(subject, func(m *nats.Msg) {
				printEvent(cmd.OutOrStdout(), o, m)
			})
			if err != nil {
				return fmt.Errorf("subscribe %s: %w", subject, err)
			}
			defer sub.Unsubscribe()
			o.logger.Debug("following events", zap.String("subject", subject))

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().String("nats-url", nats.DefaultURL, "NATS server")
	cmd.Flags().String("subject", "instances.events", "event subject prefix")
	_ = o.v.BindPFlag("nats_url", cmd.Flags().Lookup("nats-url"))
	_ = o.v.BindPFlag("subject", cmd.Flags().Lookup("subject"))
	return cmd
}

func printEvent(w io.Writer, o *options, m *nats.Msg) {
	if o.output() == "json" {
		fmt.Fprintln(w, string(m.Data))
		return
	}
	var ev models.Event
	if err := json.Unmarshal(m.Data, &ev); err != nil {
		o.logger.Warn("undecodable event", zap.String("subject", m.Subject), zap.Error(err))
		return
	}
	fmt.Fprintf(w, "%s  %-8s %s %s (%s) %s\n",
		ev.Time.Format("2006-01-02 15:04:05"), ev.Kind, ev.Instance.ID, ev.Instance.Name,
		ev.Instance.State, orDash(ev.Instance.PublicAddress))
}
