package partition

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/ksuid"
	"github.com/vmihailenco/msgpack/v5"
	"gitlab.com/shar-workflow/shar-scopes/common/logx"
	"gitlab.com/shar-workflow/shar-scopes/model"
	"gitlab.com/shar-workflow/shar-scopes/server/errors"
	"gitlab.com/shar-workflow/shar-scopes/server/errors/keys"
)

// Reply answers a command received over NATS.
type Reply struct {
	RequestID       string               `msgpack:"req"`
	Position        int64                `msgpack:"pos,omitempty"`
	Key             int64                `msgpack:"key,omitempty"`
	Intent          model.Intent         `msgpack:"intent,omitempty"`
	RejectionType   errors.RejectionType `msgpack:"rej,omitempty"`
	RejectionReason string               `msgpack:"reason,omitempty"`
	Error           string               `msgpack:"err,omitempty"`
}

// Ingress feeds commands published on a NATS subject into a partition.
type Ingress struct {
	conn      *nats.Conn
	subject   string
	partition *Partition
	sub       *nats.Subscription
}

// NewIngress creates an ingress for a partition.
func NewIngress(conn *nats.Conn, subject string, p *Partition) *Ingress {
	return &Ingress{conn: conn, subject: subject, partition: p}
}

// Listen subscribes to the command subject. Commands are msgpack encoded records, and each is
// answered with a msgpack encoded Reply when the message has a reply subject.
func (in *Ingress) Listen(ctx context.Context) error {
	sub, err := in.conn.Subscribe(in.subject, func(msg *nats.Msg) {
		in.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", in.subject, err)
	}
	in.sub = sub
	return nil
}

// Close stops receiving commands.
func (in *Ingress) Close() error {
	if in.sub == nil {
		return nil
	}
	if err := in.sub.Drain(); err != nil {
		return fmt.Errorf("drain %s: %w", in.subject, err)
	}
	return nil
}

func (in *Ingress) handle(ctx context.Context, msg *nats.Msg) {
	ctx, log := logx.NatsMessageLoggingEntrypoint(ctx, "ingress", msg.Header)
	rec := &model.Record{}
	reply := &Reply{}
	if err := msgpack.Unmarshal(msg.Data, rec); err != nil {
		reply.Error = fmt.Sprintf("decode command: %s", err)
		in.respond(ctx, msg, reply)
		return
	}
	if rec.RequestID == "" {
		rec.RequestID = ksuid.New().String()
	}
	reply.RequestID = rec.RequestID
	if !rec.IsCommand() {
		reply.Error = fmt.Sprintf("%s record is not a command", rec.RecordType)
		in.respond(ctx, msg, reply)
		return
	}
	log = log.With(slog.String("request_id", rec.RequestID), slog.String(keys.ValueType, string(rec.ValueType)), slog.String(keys.Intent, string(rec.Intent)))

	resp, err := in.partition.Submit(ctx, rec)
	if err != nil {
		log.Error("submit command", "error", err)
		reply.Error = err.Error()
		in.respond(ctx, msg, reply)
		return
	}
	reply.Position = resp.Position
	if rej := resp.Rejection(); rej != nil {
		reply.RejectionType = rej.RejectionType
		reply.RejectionReason = rej.RejectionReason
	} else {
		for _, f := range resp.FollowUps {
			if f.ValueType == rec.ValueType {
				reply.Key, reply.Intent = f.Key, f.Intent
				break
			}
		}
	}
	log.Debug("command processed", keys.Position, resp.Position)
	in.respond(ctx, msg, reply)
}

func (in *Ingress) respond(ctx context.Context, msg *nats.Msg, reply *Reply) {
	if msg.Reply == "" {
		return
	}
	b, err := msgpack.Marshal(reply)
	if err != nil {
		logx.FromContext(ctx).Error("encode reply", "error", err)
		return
	}
	if err := msg.Respond(b); err != nil {
		logx.FromContext(ctx).Error("send reply", "error", err)
	}
}
