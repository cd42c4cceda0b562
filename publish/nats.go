package publish

import (
	"context"
	"log"

	"github.com/nats-io/nats.go"
)

// NATSPublisher publishes on core NATS subjects. Messages carry the
// record ID in the Nats-Msg-Id header, so a JetStream stream bound to
// the subjects deduplicates replayed cycles.
type NATSPublisher struct {
	nc *nats.Conn
}

func NewNATSPublisher(url string, m PublisherMetrics) (*NATSPublisher, error) {
	setConnected := func(connected bool) {
		if m != nil {
			m.SetConnected("nats", connected)
		}
	}

	nc, err := nats.Connect(url,
		nats.Name("roundabout-analytics"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			setConnected(false)
			log.Printf("nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			setConnected(true)
			log.Printf("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			setConnected(false)
			log.Printf("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	setConnected(true)

	return &NATSPublisher{nc: nc}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m := nats.NewMsg(msg.Subject)
	m.Header.Set(nats.MsgIdHdr, msg.Key)
	m.Data = msg.Payload
	return p.nc.PublishMsg(m)
}

// Flush waits for the server to acknowledge everything published so
// far.
func (p *NATSPublisher) Flush(ctx context.Context) error {
	return p.nc.FlushWithContext(ctx)
}

func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	err := p.nc.Drain()
	p.nc.Close()
	return err
}
