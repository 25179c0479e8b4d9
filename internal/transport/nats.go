package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"lapse/pkg/logx"
)

const (
	DefaultNATSSubjectPrefix = "lapse.announcements"
	headerContentType        = "Content-Type"
)

type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

// NATS publishes each envelope on <prefix>.<policy id> and accepts
// acknowledgements on <prefix>.acks, where the payload is the correlation id.
type NATS struct {
	nc     *nats.Conn
	prefix string
	codec  Codec
	log    logx.Logger
}

func NewNATS(cfg NATSConfig, codec Codec, log logx.Logger) (*NATS, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		url = nats.DefaultURL
	}
	prefix := strings.Trim(strings.TrimSpace(cfg.SubjectPrefix), ".")
	if prefix == "" {
		prefix = DefaultNATSSubjectPrefix
	}
	if codec == nil {
		codec = JSON{}
	}
	l := log.With(logx.String("comp", "transport.nats"))

	nc, err := nats.Connect(url,
		nats.Name("lapsed"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				l.Warn("nats disconnected", logx.Err(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			l.Info("nats reconnected", logx.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return &NATS{nc: nc, prefix: prefix, codec: codec, log: l}, nil
}

func (*NATS) Name() string { return "nats" }

// Subject returns the subject announcements of policyID are published on.
func (n *NATS) Subject(policyID string) string { return n.prefix + "." + subjectToken(policyID) }

func (n *NATS) AckSubject() string { return n.prefix + ".acks" }

func (n *NATS) Send(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := n.codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	msg := nats.NewMsg(n.Subject(env.PolicyID))
	msg.Header.Set(headerContentType, n.codec.ContentType())
	msg.Header.Set(nats.MsgIdHdr, env.CorrelationID)
	msg.Data = b
	if err := n.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}

	// Flush so a dead connection is reported to the caller's retry loop.
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	if err := n.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	return nil
}

// ListenAcks subscribes to the ack subject until ctx is done. Requests get
// "ok" or "unknown" as reply.
func (n *NATS) ListenAcks(ctx context.Context, fn AckFunc) error {
	sub, err := n.nc.Subscribe(n.AckSubject(), func(m *nats.Msg) {
		corr := strings.TrimSpace(string(m.Data))
		reply := "unknown"
		if corr != "" && fn(corr) {
			reply = "ok"
		}
		if m.Reply != "" {
			if err := m.Respond([]byte(reply)); err != nil {
				n.log.Debug("ack reply failed", logx.Err(err))
			}
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", n.AckSubject(), err)
	}
	defer func() { _ = sub.Unsubscribe() }()
	n.log.Info("listening for acknowledgements", logx.String("subject", n.AckSubject()))

	<-ctx.Done()
	return nil
}

func (n *NATS) Close() error {
	if n.nc == nil || n.nc.IsClosed() {
		return nil
	}
	if err := n.nc.Flush(); err != nil {
		n.log.Debug("nats flush on close failed", logx.Err(err))
	}
	n.nc.Close()
	return nil
}

// subjectToken makes s usable as a single NATS subject token.
func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
