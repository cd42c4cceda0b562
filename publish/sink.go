package publish

import (
	"context"
	"encoding/json"
	"fmt"

	"roundabout.dev/analytics/model"
)

const DefaultPrefix = "roundabout"

// Sink streams every record of a committed cycle to a Publisher, one
// message per record. The cycle summary goes last and marks the cycle
// as complete for consumers.
type Sink struct {
	publisher Publisher
	prefix    string
}

func NewSink(publisher Publisher, prefix string) *Sink {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Sink{publisher: publisher, prefix: subjectToken(prefix)}
}

func (s *Sink) subject(kind, line string) string {
	if line == "" {
		return s.prefix + "." + kind
	}
	return s.prefix + "." + kind + "." + subjectToken(line)
}

func (s *Sink) publish(ctx context.Context, subject, key string, record interface{}) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	if err := s.publisher.Publish(ctx, Message{Subject: subject, Key: key, Payload: payload}); err != nil {
		return fmt.Errorf("publishing %s: %w", key, err)
	}
	return nil
}

func (s *Sink) WriteCycle(ctx context.Context, out *model.CycleOutput) error {
	for i := range out.Vehicles {
		v := &out.Vehicles[i]
		if err := s.publish(ctx, s.subject("vehicle", v.LineNumber), v.ID(), v); err != nil {
			return err
		}
	}
	for i := range out.Movements {
		m := &out.Movements[i]
		if err := s.publish(ctx, s.subject("movement", ""), m.ID(), m); err != nil {
			return err
		}
	}
	for i := range out.Arrivals {
		a := &out.Arrivals[i]
		if err := s.publish(ctx, s.subject("arrival", a.LineNumber), a.ID(), a); err != nil {
			return err
		}
	}
	for i := range out.ETAErrors {
		e := &out.ETAErrors[i]
		if err := s.publish(ctx, s.subject("eta_error", e.LineNumber), e.ID(), e); err != nil {
			return err
		}
	}
	for i := range out.Headways {
		h := &out.Headways[i]
		if err := s.publish(ctx, s.subject("headway", h.LineNumber), h.ID(), h); err != nil {
			return err
		}
	}
	for i := range out.SegmentDelays {
		d := &out.SegmentDelays[i]
		if err := s.publish(ctx, s.subject("segment_delay", d.LineNumber), d.ID(), d); err != nil {
			return err
		}
	}

	// Rollup snapshots supersede each other, so the key carries
	// the cycle to keep broker dedupe from dropping updates.
	for i := range out.Rollups {
		r := &out.Rollups[i]
		if err := s.publish(ctx, s.subject("rollup", r.LineNumber), r.ID()+"@"+out.CycleID, r); err != nil {
			return err
		}
	}

	return s.publish(ctx, s.subject("cycle", ""), model.RecordID("cycle", out.CycleID), &out.Summary)
}

func (s *Sink) Close() error {
	return s.publisher.Close()
}
