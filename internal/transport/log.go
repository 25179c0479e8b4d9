package transport

import (
	"context"

	"lapse/pkg/logx"
)

// Log writes every envelope to the process log. It is the default transport
// and useful when announcements are scraped from logs.
type Log struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *Log {
	return &Log{log: log.With(logx.String("comp", "transport.log"))}
}

func (*Log) Name() string { return "log" }

func (l *Log) Send(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.log.Info("subject expiry announcement",
		logx.String("policy_id", env.PolicyID),
		logx.String("subject_id", env.SubjectID),
		logx.String("offset", env.Offset),
		logx.Time("expiry", env.Expiry),
		logx.String("correlation_id", env.CorrelationID),
		logx.Bool("requires_ack", env.RequiresAck),
	)
	return nil
}

func (*Log) Close() error { return nil }
