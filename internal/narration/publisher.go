package narration

import (
	"encoding/json"
	"log/slog"

	"github.com/lecternlabs/lectern-core/internal/bus"
	"github.com/lecternlabs/lectern-core/internal/protocol"
)

// Publisher fans generation lifecycle events out to observers.
type Publisher interface {
	Progress(protocol.GenerationProgress)
	Complete(protocol.GenerationComplete)
	Error(protocol.GenerationError)
}

// busPublisher publishes lifecycle events on the message bus. Publish
// failures are logged and dropped; generation never blocks on observers.
type busPublisher struct {
	client *bus.Client
	log    *slog.Logger
}

func NewBusPublisher(client *bus.Client, log *slog.Logger) Publisher {
	return &busPublisher{client: client, log: log.With("component", "narration.publisher")}
}

func (p *busPublisher) Progress(ev protocol.GenerationProgress) {
	p.publish(protocol.SubjectProgress, ev)
}

func (p *busPublisher) Complete(ev protocol.GenerationComplete) {
	p.publish(protocol.SubjectComplete, ev)
}

func (p *busPublisher) Error(ev protocol.GenerationError) {
	p.publish(protocol.SubjectError, ev)
}

func (p *busPublisher) publish(subject string, ev any) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("marshal event", "subject", subject, "error", err)
		return
	}
	if err := p.client.Conn().Publish(subject, data); err != nil {
		p.log.Warn("publish event", "subject", subject, "error", err)
	}
}

// nopPublisher is used when the runtime starts without a bus connection.
type nopPublisher struct{}

func NewNopPublisher() Publisher { return nopPublisher{} }

func (nopPublisher) Progress(protocol.GenerationProgress) {}
func (nopPublisher) Complete(protocol.GenerationComplete) {}
func (nopPublisher) Error(protocol.GenerationError)       {}
