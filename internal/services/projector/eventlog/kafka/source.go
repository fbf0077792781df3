// Package kafka consumes the event log from a Kafka topic.
//
// Each message carries one event. The key is the stream id, so a hash
// balancer keeps a stream on one partition and in order.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	platformerrors "github.com/louisbranch/identity.space/internal/platform/errors"
	"github.com/louisbranch/identity.space/internal/services/projector/domain/event"
	"github.com/louisbranch/identity.space/internal/services/projector/projection"
)

// Config selects the topic and consumer group.
type Config struct {
	Brokers []string
	Topic   string
	// GroupID owns the committed offsets. Use one group per tier.
	GroupID string
	// OffsetIsGlobal marks a single-partition topic whose offsets are a
	// total order. Otherwise deliveries carry no global position.
	OffsetIsGlobal bool
}

// Envelope is the JSON message value.
type Envelope struct {
	StreamID  string          `json:"stream_id"`
	Version   int64           `json:"version"`
	EventID   string          `json:"event_id"`
	EventType event.Type      `json:"event_type"`
	Metadata  event.Metadata  `json:"metadata"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Encode builds the message for evt at header h.
func Encode(h event.Header, evt event.Event) (kafka.Message, error) {
	value, err := json.Marshal(Envelope{
		StreamID:  h.StreamID,
		Version:   h.Version,
		EventID:   evt.ID,
		EventType: evt.Type,
		Metadata:  evt.Metadata,
		Payload:   json.RawMessage(evt.PayloadJSON),
	})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode envelope %s: %w", evt.ID, err)
	}
	return kafka.Message{Key: []byte(h.StreamID), Value: value}, nil
}

// Decode turns a message into a delivery whose receipt is msg.
func Decode(msg kafka.Message, offsetIsGlobal bool) (projection.Delivery, error) {
	var env Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return projection.Delivery{}, platformerrors.WrapWithMetadata(
			platformerrors.CodeInvalidDomainEvent,
			"decode kafka envelope",
			map[string]string{"topic": msg.Topic, "offset": fmt.Sprint(msg.Offset)},
			err,
		)
	}
	if env.StreamID == "" {
		env.StreamID = string(msg.Key)
	}
	evt := event.Event{ID: env.EventID, Type: env.EventType, Metadata: env.Metadata, PayloadJSON: []byte(env.Payload)}
	if err := evt.Validate(); err != nil {
		return projection.Delivery{}, err
	}
	position := int64(event.NoGlobalPosition)
	if offsetIsGlobal {
		position = msg.Offset
	}
	return projection.Delivery{
		Header: event.Header{
			StreamID:       env.StreamID,
			EventType:      evt.Type,
			Version:        env.Version,
			EventID:        evt.ID,
			GlobalPosition: position,
		},
		Event:   evt,
		Receipt: msg,
	}, nil
}

type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Source subscribes through a consumer group.
type Source struct {
	cfg       Config
	newReader func(kafka.ReaderConfig) reader
}

// NewSource validates cfg.
func NewSource(cfg Config) (*Source, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("kafka topic is required")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, errors.New("kafka group id is required")
	}
	return &Source{
		cfg: cfg,
		newReader: func(rc kafka.ReaderConfig) reader {
			return kafka.NewReader(rc)
		},
	}, nil
}

// Subscribe implements projection.Source. The group's committed offset
// decides where reading starts; events at or below from are dropped.
func (s *Source) Subscribe(ctx context.Context, filter projection.Filter, from int64) (projection.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := s.newReader(kafka.ReaderConfig{
		Brokers:     s.cfg.Brokers,
		Topic:       s.cfg.Topic,
		GroupID:     s.cfg.GroupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     time.Second,
		StartOffset: kafka.FirstOffset,
		Dialer:      &kafka.Dialer{Timeout: 10 * time.Second},
	})
	return &subscription{reader: r, filter: filter, from: from, offsetIsGlobal: s.cfg.OffsetIsGlobal}, nil
}

type subscription struct {
	reader         reader
	filter         projection.Filter
	from           int64
	offsetIsGlobal bool
}

func (s *subscription) Next(ctx context.Context) (projection.Delivery, error) {
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return projection.Delivery{}, err
			}
			if errors.Is(err, kafka.ErrGroupClosed) || errors.Is(err, io.EOF) {
				return projection.Delivery{}, projection.ErrSubscriptionClosed
			}
			return projection.Delivery{}, fmt.Errorf("fetch kafka message: %w", err)
		}
		d, err := Decode(msg, s.offsetIsGlobal)
		if err != nil {
			return projection.Delivery{}, err
		}
		if !s.filter.Match(d.Header.StreamID) {
			continue
		}
		if d.Header.HasGlobalPosition() && d.Header.GlobalPosition <= s.from {
			continue
		}
		return d, nil
	}
}

// Ack commits the delivery's offset for its partition.
func (s *subscription) Ack(ctx context.Context, d projection.Delivery) error {
	msg, ok := d.Receipt.(kafka.Message)
	if !ok {
		return fmt.Errorf("delivery %s has no kafka receipt", d.Header.EventID)
	}
	if err := s.reader.CommitMessages(ctx, msg); err != nil {
		return fmt.Errorf("commit kafka offset %d: %w", msg.Offset, err)
	}
	return nil
}

func (s *subscription) Close() error {
	return s.reader.Close()
}
