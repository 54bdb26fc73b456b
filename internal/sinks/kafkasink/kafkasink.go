// Package kafkasink publishes events to a Kafka topic, keyed by interface so
// the events of one interface stay ordered.
package kafkasink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/Sh00ty/uplinkd/internal/models"
)

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Sink struct {
	writer MessageWriter
	host   string
}

func New(addr, topic, host string) *Sink {
	return NewWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(addr),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}, host)
}

func NewWithWriter(w MessageWriter, host string) *Sink {
	return &Sink{
		writer: w,
		host:   host,
	}
}

type message struct {
	Host string `json:"host"`
	models.Event
}

func (s *Sink) Name() string {
	return "kafka"
}

func (s *Sink) Deliver(ctx context.Context, events []models.Event) (int, error) {
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		value, err := json.Marshal(message{Host: s.host, Event: ev})
		if err != nil {
			return 0, fmt.Errorf("failed to encode event %s: %w", ev.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(s.host + "/" + ev.Interface),
			Value: value,
			Time:  ev.Time,
		})
	}
	err := s.writer.WriteMessages(ctx, msgs...)
	if err == nil {
		return len(events), nil
	}
	var writeErrs kafka.WriteErrors
	if errors.As(err, &writeErrs) {
		// only the leading run of written messages counts as delivered
		for i, e := range writeErrs {
			if e != nil {
				return i, fmt.Errorf("failed to write events: %w", err)
			}
		}
	}
	return 0, fmt.Errorf("failed to write events: %w", err)
}

func (s *Sink) Close() error {
	return s.writer.Close()
}
