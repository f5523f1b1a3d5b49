package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/elpendex123/ec2-creator-local/internal/models"
)

type msgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATSSink publishes events as JSON on <subject>.<event kind>. The event id
// is sent as Nats-Msg-Id so JetStream streams deduplicate redeliveries.
type NATSSink struct {
	nc      *nats.Conn
	pub     msgPublisher
	subject string
}

func NewNATSSink(url, subject string, logger *zap.Logger) (*NATSSink, error) {
	logger = logger.Named("nats")
	opts := []nats.Option{
		nats.Name("ec2-creator-provisiond"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NATSSink{nc: nc, pub: nc, subject: subject}, nil
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Notify(ctx context.Context, ev models.Event) error {
	if s.nc != nil && s.nc.IsClosed() {
		return errors.New("nats not connected")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(s.subject + "." + string(ev.Kind))
	msg.Header.Set(nats.MsgIdHdr, ev.ID)
	msg.Data = payload
	return s.pub.PublishMsg(msg)
}

func (s *NATSSink) Close() {
	if s.nc != nil {
		_ = s.nc.Drain()
		s.nc.Close()
	}
}
