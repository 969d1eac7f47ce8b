// Package ingress normalizes device reports into typed entries: it
// subscribes to the device namespace, de-duplicates against the projection
// cache and the store, and republishes accepted entries retained on the
// on-air namespace.
package ingress

import (
	"context"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"homectrl/internal/entry"
	"homectrl/internal/onair"
	"homectrl/pkg/mqtt"
	"homectrl/pkg/topics"
	"homectrl/pkg/utils"
)

// Store is the slice of the state store the normalizer needs.
type Store interface {
	SaveIfChanged(ctx context.Context, e entry.Entry) (int64, bool, error)
	LatestPerEntity(ctx context.Context, kind entry.Kind) ([]entry.Entry, error)
}

// Broker is the slice of the broker client the normalizer needs.
type Broker interface {
	Subscribe(filter string, qos byte, h mqtt.Handler) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// Service is the ingress normalizer.
type Service struct {
	l      *slog.Logger
	store  Store
	cache  *onair.Cache
	broker Broker
	now    func() entry.Timestamp
}

// New creates a normalizer. The clock stamps reports that arrive without a
// create_at field.
func New(l *slog.Logger, store Store, cache *onair.Cache, broker Broker, now func() entry.Timestamp) *Service {
	return &Service{
		l:      l.With(slog.String("component", "ingress")),
		store:  store,
		cache:  cache,
		broker: broker,
		now:    now,
	}
}

// Bootstrap hydrates the projection cache from the store and republishes
// every latest entry retained, so clients that connect after a restart see
// the last known state. Call before Start.
func (s *Service) Bootstrap(ctx context.Context) error {
	total := 0

	for _, kind := range entry.Kinds() {
		entries, err := s.store.LatestPerEntity(ctx, kind)
		if err != nil {
			return fmt.Errorf("load latest %s entries: %w", kind, err)
		}

		for _, e := range entries {
			payload, err := e.MarshalOnAir()
			if err != nil {
				return fmt.Errorf("marshal %s entry for %s: %w", kind, e.Entity, err)
			}

			topic, err := topics.OnAir(kind.Facet(), e.Entity)
			if err != nil {
				s.l.Warn("Skipping entry with unroutable entity", slog.String("entity", e.Entity), utils.ErrAttr(err))

				continue
			}

			s.cache.Set(kind.Facet(), e.Entity, payload)

			if err := s.broker.Publish(topic, 1, true, payload); err != nil {
				return fmt.Errorf("republish %s: %w", topic, err)
			}

			total++
		}
	}

	s.l.Info("Bootstrapped projection cache", slog.Int("entries", total))

	return nil
}

// Start subscribes to the device namespace. Handlers run on the broker
// client's callback routine; ctx bounds the store calls they make.
func (s *Service) Start(ctx context.Context) error {
	facilities := []topics.Facility{
		topics.FacilityLive,
		topics.FacilityData,
		topics.FacilityCapabilities,
		topics.FacilityState,
	}

	for _, facility := range facilities {
		filter := topics.DeviceFilter(facility)

		if err := s.broker.Subscribe(filter, 1, func(msg mqtt.Message) {
			s.handle(ctx, msg)
		}); err != nil {
			return fmt.Errorf("subscribe %s: %w", filter, err)
		}
	}

	return nil
}

func (s *Service) handle(ctx context.Context, msg mqtt.Message) {
	parsed, err := topics.ParseDevice(msg.Topic)
	if err != nil {
		s.l.Warn("Dropping message on unrecognized topic", slog.String("topic", msg.Topic), utils.ErrAttr(err))

		return
	}

	switch parsed.Facility {
	case topics.FacilityCapabilities, topics.FacilityState:
		s.forward(parsed, msg.Payload)

	case topics.FacilityLive, topics.FacilityData:
		s.normalize(ctx, parsed, msg.Payload)

	case topics.FacilityControl:
		// Backend to device traffic, never subscribed. Ignore defensively.

	default:
		s.l.Warn("Dropping message on unhandled facility",
			slog.String("topic", msg.Topic), slog.String("facility", parsed.Facility.String()))
	}
}

// forward republishes capabilities/state payloads verbatim and retained,
// without persistence.
func (s *Service) forward(parsed topics.DeviceTopic, payload []byte) {
	facet := parsed.Facility.String()

	topic, err := topics.OnAir(facet, parsed.Entity)
	if err != nil {
		s.l.Warn("Dropping unroutable forward", slog.String("entity", parsed.Entity), utils.ErrAttr(err))

		return
	}

	s.cache.Set(facet, parsed.Entity, payload)

	if err := s.broker.Publish(topic, 1, true, payload); err != nil {
		s.l.Error("Failed to forward message", slog.String("topic", topic), utils.ErrAttr(err))
	}
}

func (s *Service) normalize(ctx context.Context, parsed topics.DeviceTopic, payload []byte) {
	if !utf8.Valid(payload) {
		s.l.Error("Dropping payload with invalid UTF-8", slog.String("topic", topicOf(parsed)))

		return
	}

	report, err := entry.DecodeReport(parsed.Entity, payload, s.now)
	if err != nil {
		s.l.Error("Dropping undecodable payload",
			slog.String("topic", topicOf(parsed)), slog.String("payload", string(payload)), utils.ErrAttr(err))

		return
	}

	if len(report.Unknown) > 0 {
		s.l.Warn("Ignoring unknown report keys",
			slog.String("entity", report.Entity), slog.Any("keys", report.Unknown))
	}

	// A report always implies liveness, even when the payload carries no
	// explicit live field.
	values := append([]entry.Value{entry.Live{Alive: report.Alive}}, report.Values...)

	for _, value := range values {
		s.processEntry(ctx, entry.Entry{
			Entity:    report.Entity,
			CreatedAt: report.CreateAt,
			Value:     value,
		})
	}

	for _, transient := range report.Transients {
		s.publishTransient(report, transient)
	}
}

// processEntry runs one typed value through change detection: unchanged
// values are discarded, changed ones are persisted and then published
// retained on-air.
func (s *Service) processEntry(ctx context.Context, e entry.Entry) {
	facet := e.Kind().Facet()

	if cached := s.cache.Get(facet, e.Entity); cached != nil {
		previous, err := entry.DecodeOnAir(e.Kind(), cached)
		if err == nil && previous.Value.Equal(e.Value) {
			return
		}
	}

	_, saved, err := s.store.SaveIfChanged(ctx, e)
	if err != nil {
		s.l.Error("Failed to persist entry, dropping",
			slog.String("entity", e.Entity), slog.String("kind", string(e.Kind())), utils.ErrAttr(err))

		return
	}

	if !saved {
		return
	}

	payload, err := e.MarshalOnAir()
	if err != nil {
		s.l.Error("Failed to marshal entry", slog.String("entity", e.Entity), utils.ErrAttr(err))

		return
	}

	topic, err := topics.OnAir(facet, e.Entity)
	if err != nil {
		s.l.Warn("Persisted entry has unroutable entity", slog.String("entity", e.Entity), utils.ErrAttr(err))

		return
	}

	s.cache.Set(facet, e.Entity, payload)

	if err := s.broker.Publish(topic, 1, true, payload); err != nil {
		s.l.Error("Failed to publish entry", slog.String("topic", topic), utils.ErrAttr(err))
	}
}

// publishTransient emits a transient_<name> reading non-retained on its own
// facet, with no persistence and no cache write.
func (s *Service) publishTransient(report entry.Report, transient entry.Transient) {
	topic, err := topics.OnAir(transient.Name, report.Entity)
	if err != nil {
		s.l.Warn("Dropping transient with unroutable name",
			slog.String("name", transient.Name), utils.ErrAttr(err))

		return
	}

	payload, err := utils.ToJSON(entry.Message{
		Name:     entry.NameRef{Value: report.Entity},
		CreateAt: report.CreateAt,
		Value:    transient.Raw,
	})
	if err != nil {
		s.l.Error("Failed to marshal transient", slog.String("name", transient.Name), utils.ErrAttr(err))

		return
	}

	if err := s.broker.Publish(topic, 1, false, payload); err != nil {
		s.l.Error("Failed to publish transient", slog.String("topic", topic), utils.ErrAttr(err))
	}
}

func topicOf(parsed topics.DeviceTopic) string {
	topic, err := topics.Device(parsed.Entity, parsed.Facility)
	if err != nil {
		return parsed.Entity + "/" + parsed.Facility.String()
	}

	return topic
}
