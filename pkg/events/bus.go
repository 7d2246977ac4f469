// Package events carries supervisor lifecycle transitions over an in-memory
// watermill bus so that logging and other observers stay decoupled from the
// supervisor itself.
package events

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	gochannel "github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
)

type Bus struct {
	Router     *message.Router
	Publisher  message.Publisher
	Subscriber message.Subscriber

	runOnce sync.Once
}

func NewInMemoryBus() (*Bus, error) {
	logger := watermill.NopLogger{}
	// Publish returns only once every subscriber has acked, which keeps
	// transitions ordered and means none are lost when the process exits.
	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            256,
		BlockPublishUntilSubscriberAck: true,
	}, logger)

	r, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "new watermill router")
	}
	return &Bus{
		Router:     r,
		Publisher:  pubsub,
		Subscriber: pubsub,
	}, nil
}

func (b *Bus) AddHandler(name, topic string, handler func(*message.Message) error) {
	b.Router.AddConsumerHandler(name, topic, b.Subscriber, handler)
}

// Run blocks until ctx is cancelled. Handlers must be added before Run.
func (b *Bus) Run(ctx context.Context) error {
	var runErr error
	b.runOnce.Do(func() {
		go func() {
			<-ctx.Done()
			_ = b.Router.Close()
		}()
		runErr = b.Router.Run(ctx)
	})
	return runErr
}

// Running is closed once the router has started its handlers.
func (b *Bus) Running() chan struct{} {
	return b.Router.Running()
}

// Publish wraps payload in an Envelope and publishes it on topic.
func (b *Bus) Publish(topic, typ string, payload any) error {
	env, err := NewEnvelope(typ, payload)
	if err != nil {
		return err
	}
	raw, err := env.MarshalJSONBytes()
	if err != nil {
		return err
	}
	return errors.Wrap(b.Publisher.Publish(topic, message.NewMessage(watermill.NewUUID(), raw)), "publish")
}
