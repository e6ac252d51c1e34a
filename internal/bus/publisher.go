package bus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/session"
	"github.com/nats-io/nats.go"
)

// Publisher forwards session events to voice.session.<type>.
type Publisher struct {
	conn *nats.Conn
	log  *slog.Logger
}

func NewPublisher(client *Client) *Publisher {
	return &Publisher{
		conn: client.conn,
		log:  client.log.With(slog.String("component", "bus-publisher")),
	}
}

func (p *Publisher) OnEvent(_ context.Context, event session.Event) {
	wire := event.Wire()
	data, err := json.Marshal(wire)
	if err != nil {
		p.log.Error("failed to encode session event", slog.String("error", err.Error()))
		return
	}
	if err := p.conn.Publish(protocol.Subject(wire.Type), data); err != nil {
		p.log.Warn("failed to publish session event", slog.String("type", wire.Type), slog.String("error", err.Error()))
	}
}

// Controller accepts control commands.
type Controller interface {
	Handle(ctx context.Context, cmd protocol.ControlCommand) protocol.ControlReply
}

// ServeControl answers requests on voice.session.control until ctx is done.
func (c *Client) ServeControl(ctx context.Context, ctrl Controller) (*nats.Subscription, error) {
	log := c.log.With(slog.String("component", "bus-control"))
	sub, err := c.conn.Subscribe(protocol.SubjectControl, func(msg *nats.Msg) {
		var cmd protocol.ControlCommand
		var reply protocol.ControlReply
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			reply = protocol.ControlReply{Error: "invalid command: " + err.Error()}
		} else {
			reply = ctrl.Handle(ctx, cmd)
			log.Debug("control command", slog.String("cmd", cmd.Cmd), slog.Bool("ok", reply.OK))
		}
		if msg.Reply == "" {
			return
		}
		data, err := json.Marshal(reply)
		if err != nil {
			log.Error("failed to encode control reply", slog.String("error", err.Error()))
			return
		}
		if err := msg.Respond(data); err != nil {
			log.Warn("failed to respond to control command", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return sub, nil
}
