package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/elpendex123/ec2-creator-local/internal/models"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// From defaults to Username.
	From string
	To   []string
}

// Enabled reports whether enough is configured to send mail.
func (c SMTPConfig) Enabled() bool {
	return c.Host != "" && c.Username != "" && len(c.To) > 0
}

type sendFunc func(ctx context.Context, host, addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPSink mails a plain text summary of each event, upgrading to STARTTLS
// when the server offers it.
type SMTPSink struct {
	cfg  SMTPConfig
	send sendFunc
}

func NewSMTPSink(cfg SMTPConfig) *SMTPSink {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	return &SMTPSink{cfg: cfg, send: sendMail}
}

func (s *SMTPSink) Name() string { return "smtp" }

// Notify gives up when ctx ends, including mid-session.
func (s *SMTPSink) Notify(ctx context.Context, ev models.Event) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	if err := s.send(ctx, s.cfg.Host, addr, auth, s.cfg.From, s.cfg.To, s.message(ev)); err != nil {
		return fmt.Errorf("send mail via %s: %w", addr, err)
	}
	return nil
}

// sendMail is smtp.SendMail with the connection bound to ctx.
func sendMail(ctx context.Context, host, addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return err
		}
	}
	// unblocks reads and writes when ctx is canceled without a deadline
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return err
		}
	}
	if auth != nil {
		if ok, _ := c.Extension("AUTH"); !ok {
			return errors.New("smtp: server doesn't support AUTH")
		}
		if err := c.Auth(auth); err != nil {
			return err
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

// headerText folds line breaks away so a value cannot start a new header,
// then Q-encodes anything outside printable ASCII.
func headerText(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return ' '
		}
		return r
	}, s)
	return mime.QEncoding.Encode("utf-8", s)
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

func (s *SMTPSink) message(ev models.Event) []byte {
	inst := ev.Instance
	kind := strings.ToUpper(string(ev.Kind))
	name := inst.Name
	if name == "" {
		name = "unknown"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(s.cfg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", headerText(fmt.Sprintf("EC2 Instance %s: %s", kind, name)))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")

	fmt.Fprintf(&b, "Instance %s Event\r\n\r\n", kind)
	fmt.Fprintf(&b, "Instance ID: %s\r\n", orNA(inst.ID))
	fmt.Fprintf(&b, "Instance Name: %s\r\n", orNA(inst.Name))
	fmt.Fprintf(&b, "State: %s\r\n", orNA(string(inst.State)))
	fmt.Fprintf(&b, "Public IP: %s\r\n", orNA(inst.PublicAddress))
	fmt.Fprintf(&b, "Instance Type: %s\r\n", orNA(inst.InstanceClass))
	fmt.Fprintf(&b, "AMI: %s\r\n", orNA(inst.ImageID))
	fmt.Fprintf(&b, "Backend Used: %s\r\n", orNA(inst.Backend))
	fmt.Fprintf(&b, "Timestamp: %s\r\n\r\n", ev.Time.UTC().Format(time.RFC3339))
	b.WriteString("SSH Command:\r\n")
	fmt.Fprintf(&b, "%s\r\n", orNA(inst.ConnectionHint))
	return []byte(b.String())
}
