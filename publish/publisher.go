package publish

import (
	"context"
	"strings"
	"time"
)

// Message is one derived record ready for a broker.
type Message struct {
	// Dot separated, e.g. "roundabout.arrival.7".
	Subject string

	// Deterministic record ID. Brokers that support it use this
	// to drop duplicates on replay.
	Key string

	Payload []byte
}

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

type PublisherMetrics interface {
	PublishedInc(backend string)
	PublishErrInc(backend string)
	PublishObserve(backend string, d time.Duration)
	SetConnected(backend string, connected bool)
}

type instrumented struct {
	Publisher
	backend string
	metrics PublisherMetrics
}

// Instrument reports every publish on p to m under the backend name.
func Instrument(p Publisher, backend string, m PublisherMetrics) Publisher {
	if m == nil {
		return p
	}
	return &instrumented{Publisher: p, backend: backend, metrics: m}
}

func (i *instrumented) Publish(ctx context.Context, msg Message) error {
	start := time.Now()
	err := i.Publisher.Publish(ctx, msg)
	i.metrics.PublishObserve(i.backend, time.Since(start))
	if err != nil {
		i.metrics.PublishErrInc(i.backend)
	} else {
		i.metrics.PublishedInc(i.backend)
	}
	return err
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// Subject tokens can't contain spaces, '>', '*' or '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
