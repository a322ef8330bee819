// Package bus fans timeline events out to in-process and external
// subscribers. The event log stays the source of truth; the bus only carries
// notifications and may drop them.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"opsline/internal/domain"
)

// TopicEvents is the default topic (redis stream name) for timeline events.
const TopicEvents = "ops.events"

const metadataKind = "kind"

type Kind string

const (
	KindNone      Kind = "none"
	KindGoChannel Kind = "gochannel"
	KindRedis     Kind = "redis"
)

type Config struct {
	Kind     Kind
	RedisURL string
	// Stream overrides the topic name.
	Stream string
}

type Bus struct {
	topic      string
	publisher  message.Publisher
	subscriber message.Subscriber
	client     redis.UniversalClient
	log        zerolog.Logger
}

// New builds the bus described by cfg. KindNone (or an empty kind) yields a
// bus whose Publish is a no-op and whose Subscribe never delivers.
func New(cfg Config, log zerolog.Logger) (*Bus, error) {
	b := &Bus{topic: TopicEvents, log: log}
	if cfg.Stream != "" {
		b.topic = cfg.Stream
	}
	adapter := newLoggerAdapter(log)

	switch cfg.Kind {
	case "", KindNone:
		return b, nil
	case KindGoChannel:
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, adapter)
		b.publisher, b.subscriber = ch, ch
		return b, nil
	case KindRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return newRedis(b, redis.NewClient(opts), adapter)
	default:
		return nil, fmt.Errorf("unknown bus kind %q", cfg.Kind)
	}
}

// NewRedis builds a redis stream bus over an existing client.
func NewRedis(client redis.UniversalClient, stream string, log zerolog.Logger) (*Bus, error) {
	b := &Bus{topic: TopicEvents, log: log}
	if stream != "" {
		b.topic = stream
	}
	return newRedis(b, client, newLoggerAdapter(log))
}

func newRedis(b *Bus, client redis.UniversalClient, adapter watermill.LoggerAdapter) (*Bus, error) {
	pub, err := redisstream.NewPublisher(redisstream.PublisherConfig{
		Client:     client,
		Marshaller: redisstream.DefaultMarshallerUnmarshaller{},
	}, adapter)
	if err != nil {
		return nil, fmt.Errorf("redis publisher: %w", err)
	}
	// no consumer group: every subscribing process sees every event
	sub, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{
		Client:       client,
		Unmarshaller: redisstream.DefaultMarshallerUnmarshaller{},
	}, adapter)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("redis subscriber: %w", err)
	}
	b.publisher, b.subscriber, b.client = pub, sub, client
	return b, nil
}

func (b *Bus) Topic() string { return b.topic }

// Enabled reports whether events actually leave the process.
func (b *Bus) Enabled() bool { return b != nil && b.publisher != nil }

func (b *Bus) Publish(e domain.Event) error {
	if !b.Enabled() {
		return nil
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metadataKind, string(e.Kind))
	return b.publisher.Publish(b.topic, msg)
}

// Subscribe delivers events until ctx is done. Messages that do not decode
// are acked and dropped.
func (b *Bus) Subscribe(ctx context.Context) (<-chan domain.Event, error) {
	out := make(chan domain.Event, 16)
	if b == nil || b.subscriber == nil {
		go func() {
			<-ctx.Done()
			close(out)
		}()
		return out, nil
	}
	msgs, err := b.subscriber.Subscribe(ctx, b.topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", b.topic, err)
	}
	go func() {
		defer close(out)
		for msg := range msgs {
			var e domain.Event
			if err := json.Unmarshal(msg.Payload, &e); err != nil {
				b.log.Warn().Err(err).Str("message", msg.UUID).Msg("drop undecodable bus message")
				msg.Ack()
				continue
			}
			msg.Ack()
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close releases the publisher, subscriber and redis client. The redis
// publisher and subscriber share one client, so an already-closed client is
// not an error.
func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	var errs []error
	keep := func(err error) {
		if err != nil && !errors.Is(err, redis.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if b.publisher != nil {
		keep(b.publisher.Close())
	}
	if b.subscriber != nil && any(b.subscriber) != any(b.publisher) {
		keep(b.subscriber.Close())
	}
	if b.client != nil {
		keep(b.client.Close())
	}
	return errors.Join(errs...)
}
