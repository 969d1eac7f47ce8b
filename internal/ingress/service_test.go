package ingress_test

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"homectrl/internal/entry"
	"homectrl/internal/ingress"
	"homectrl/internal/migrations"
	"homectrl/internal/onair"
	"homectrl/internal/store"
	"homectrl/pkg/dialect"
	"homectrl/pkg/migrator"
	"homectrl/pkg/mqtt"
)

type published struct {
	topic    string
	payload  []byte
	retained bool
}

// fakeBroker records publishes and delivers injected messages to matching
// subscription filters.
type fakeBroker struct {
	mu        sync.Mutex
	subs      map[string][]mqtt.Handler
	published []published
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{subs: make(map[string][]mqtt.Handler)}
}

func (b *fakeBroker) Subscribe(filter string, _ byte, h mqtt.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs[filter] = append(b.subs[filter], h)

	return nil
}

func (b *fakeBroker) Publish(topic string, _ byte, retained bool, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.published = append(b.published, published{topic: topic, payload: payload, retained: retained})

	return nil
}

// deliver routes a message to every handler whose filter matches the topic.
func (b *fakeBroker) deliver(topic string, payload []byte) {
	b.mu.Lock()

	var handlers []mqtt.Handler

	for filter, hs := range b.subs {
		if filterMatches(filter, topic) {
			handlers = append(handlers, hs...)
		}
	}

	b.mu.Unlock()

	for _, h := range handlers {
		h(mqtt.Message{Topic: topic, Payload: payload})
	}
}

func (b *fakeBroker) publishedTo(topic string) []published {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []published

	for _, p := range b.published {
		if p.topic == topic {
			out = append(out, p)
		}
	}

	return out
}

func filterMatches(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")

	if len(fp) != len(tp) {
		return false
	}

	for i := range fp {
		if fp[i] != "+" && fp[i] != tp[i] {
			return false
		}
	}

	return true
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	l := slog.New(slog.NewTextHandler(io.Discard, nil))
	path := filepath.Join(t.TempDir(), "test.db")

	m, err := migrator.New(l, dialect.SQLite, path, migrations.GetFS(), migrations.Dir(dialect.SQLite))
	if err != nil {
		t.Fatalf("failed to create migrator: %v", err)
	}

	if err := m.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	db, err := sql.Open(dialect.SQLite.Driver(), path+"?_busy_timeout=5000")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	t.Cleanup(func() { _ = db.Close() })

	return store.New(l, db)
}

func fixedClock(t *testing.T, s string) func() entry.Timestamp {
	t.Helper()

	ts, err := entry.ParseTimestamp(s)
	if err != nil {
		t.Fatalf("bad timestamp %q: %v", s, err)
	}

	return func() entry.Timestamp { return ts }
}

func newService(t *testing.T, st *store.Store, broker *fakeBroker) (*ingress.Service, *onair.Cache) {
	t.Helper()

	l := slog.New(slog.NewTextHandler(io.Discard, nil))
	cache := onair.NewCache()
	svc := ingress.New(l, st, cache, broker, fixedClock(t, "2024-08-29T12:00:00.000000"))

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	return svc, cache
}

func TestIdempotentTemperature(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	broker := newFakeBroker()
	newService(t, st, broker)

	payload := []byte(`{"name":"kitchen","temperature":21.0,"create_at":"2024-08-29T10:15:23.456789"}`)

	for i := 0; i < 3; i++ {
		broker.deliver("homectrl/device/kitchen/data", payload)
	}

	latest, err := st.Latest(context.Background(), "kitchen", entry.KindTemperature)
	if err != nil {
		t.Fatalf("latest failed: %v", err)
	}

	if latest == nil {
		t.Fatal("expected a persisted temperature entry")
	}

	all, err := st.Range(context.Background(), "kitchen", entry.KindTemperature, nil, nil)
	if err != nil {
		t.Fatalf("range failed: %v", err)
	}

	if len(all) != 1 {
		t.Fatalf("expected exactly one persisted entry, got %d", len(all))
	}

	pubs := broker.publishedTo("homectrl/onair/temperature/kitchen")
	if len(pubs) != 1 {
		t.Fatalf("expected exactly one on-air publish, got %d", len(pubs))
	}

	if !pubs[0].retained {
		t.Error("expected on-air publish to be retained")
	}

	want := `{"name":{"value":"kitchen"},"create_at":"2024-08-29T10:15:23.456789","value":21}`
	if string(pubs[0].payload) != want {
		t.Errorf("unexpected payload:\n got %s\nwant %s", pubs[0].payload, want)
	}
}

func TestReportImpliesLiveEntry(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	broker := newFakeBroker()
	newService(t, st, broker)

	broker.deliver("homectrl/device/porch/data", []byte(`{"temperature":10.0,"create_at":"2024-08-29T10:00:00.000000"}`))

	latest, err := st.Latest(context.Background(), "porch", entry.KindLive)
	if err != nil {
		t.Fatalf("latest failed: %v", err)
	}

	if latest == nil {
		t.Fatal("expected a live entry")
	}

	if !latest.Value.Equal(entry.Live{Alive: true}) {
		t.Fatalf("expected alive=true, got %v", latest.Value)
	}

	if pubs := broker.publishedTo("homectrl/onair/live/porch"); len(pubs) != 1 {
		t.Fatalf("expected one live publish, got %d", len(pubs))
	}
}

func TestLivePayloadFalse(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	broker := newFakeBroker()
	newService(t, st, broker)

	broker.deliver("homectrl/device/porch/live", []byte(`{"live":false,"message":"last will","create_at":"2024-08-29T10:00:00.000000"}`))

	latest, err := st.Latest(context.Background(), "porch", entry.KindLive)
	if err != nil {
		t.Fatalf("latest failed: %v", err)
	}

	if latest == nil || !latest.Value.Equal(entry.Live{Alive: false}) {
		t.Fatalf("expected alive=false entry, got %+v", latest)
	}
}

func TestTransientPassthrough(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	broker := newFakeBroker()
	newService(t, st, broker)

	broker.deliver("homectrl/device/hall/data",
		[]byte(`{"transient_doorbell":true,"create_at":"2024-08-29T10:15:23.456789"}`))

	pubs := broker.publishedTo("homectrl/onair/doorbell/hall")
	if len(pubs) != 1 {
		t.Fatalf("expected one transient publish, got %d", len(pubs))
	}

	if pubs[0].retained {
		t.Error("expected transient publish to be non-retained")
	}

	want := `{"name":{"value":"hall"},"create_at":"2024-08-29T10:15:23.456789","value":true}`
	if string(pubs[0].payload) != want {
		t.Errorf("unexpected payload:\n got %s\nwant %s", pubs[0].payload, want)
	}

	// Only the implied live entry is persisted.
	for _, kind := range entry.Kinds() {
		entries, err := st.LatestPerEntity(context.Background(), kind)
		if err != nil {
			t.Fatalf("latest per entity failed: %v", err)
		}

		if kind == entry.KindLive {
			if len(entries) != 1 {
				t.Fatalf("expected one live entry, got %d", len(entries))
			}

			continue
		}

		if len(entries) != 0 {
			t.Fatalf("expected no %s entries, got %d", kind, len(entries))
		}
	}
}

func TestCapabilityForward(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	broker := newFakeBroker()
	_, cache := newService(t, st, broker)

	payload := []byte(`{"controls":["light","fan"]}`)
	broker.deliver("homectrl/device/kitchen/capabilities", payload)

	pubs := broker.publishedTo("homectrl/onair/capabilities/kitchen")
	if len(pubs) != 1 {
		t.Fatalf("expected one forward, got %d", len(pubs))
	}

	if !pubs[0].retained {
		t.Error("expected forward to be retained")
	}

	if string(pubs[0].payload) != string(payload) {
		t.Errorf("expected verbatim forward, got %s", pubs[0].payload)
	}

	if got := cache.Get("capabilities", "kitchen"); string(got) != string(payload) {
		t.Errorf("expected cached forward, got %s", got)
	}

	// No persistence for capability payloads.
	for _, kind := range entry.Kinds() {
		entries, err := st.LatestPerEntity(context.Background(), kind)
		if err != nil {
			t.Fatalf("latest per entity failed: %v", err)
		}

		if len(entries) != 0 {
			t.Fatalf("expected no %s entries, got %d", kind, len(entries))
		}
	}
}

func TestMissingTimestampFilled(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	broker := newFakeBroker()
	newService(t, st, broker)

	broker.deliver("homectrl/device/attic/data", []byte(`{"humidity":61.2}`))

	pubs := broker.publishedTo("homectrl/onair/humidity/attic")
	if len(pubs) != 1 {
		t.Fatalf("expected one publish, got %d", len(pubs))
	}

	want := `{"name":{"value":"attic"},"create_at":"2024-08-29T12:00:00.000000","value":61.2}`
	if string(pubs[0].payload) != want {
		t.Errorf("unexpected payload:\n got %s\nwant %s", pubs[0].payload, want)
	}
}

func TestMalformedPayloadDropped(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	broker := newFakeBroker()
	newService(t, st, broker)

	broker.deliver("homectrl/device/kitchen/data", []byte(`{not json`))
	broker.deliver("homectrl/device/kitchen/data", []byte{0xff, 0xfe})

	if len(broker.published) != 0 {
		t.Fatalf("expected no publishes, got %d", len(broker.published))
	}

	latest, err := st.Latest(context.Background(), "kitchen", entry.KindLive)
	if err != nil {
		t.Fatalf("latest failed: %v", err)
	}

	if latest != nil {
		t.Fatal("expected no persisted entries for malformed payloads")
	}
}

func TestChangedValueRepublished(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	broker := newFakeBroker()
	newService(t, st, broker)

	broker.deliver("homectrl/device/kitchen/data",
		[]byte(`{"temperature":21.0,"create_at":"2024-08-29T10:00:00.000000"}`))
	broker.deliver("homectrl/device/kitchen/data",
		[]byte(`{"temperature":22.5,"create_at":"2024-08-29T10:01:00.000000"}`))

	pubs := broker.publishedTo("homectrl/onair/temperature/kitchen")
	if len(pubs) != 2 {
		t.Fatalf("expected two publishes, got %d", len(pubs))
	}

	all, err := st.Range(context.Background(), "kitchen", entry.KindTemperature, nil, nil)
	if err != nil {
		t.Fatalf("range failed: %v", err)
	}

	if len(all) != 2 {
		t.Fatalf("expected two persisted entries, got %d", len(all))
	}
}

func TestBootstrapReplay(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	ts, err := entry.ParseTimestamp("2024-08-29T09:00:00.000000")
	if err != nil {
		t.Fatalf("bad timestamp: %v", err)
	}

	seed := entry.Entry{
		Entity:    "kitchen",
		CreatedAt: ts,
		Value:     entry.Measurement{Metric: entry.KindTemperature, Reading: entry.MustNumber("21.0")},
	}

	if _, err := st.Append(ctx, seed); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	broker := newFakeBroker()
	l := slog.New(slog.NewTextHandler(io.Discard, nil))
	cache := onair.NewCache()
	svc := ingress.New(l, st, cache, broker, fixedClock(t, "2024-08-29T12:00:00.000000"))

	if err := svc.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}

	pubs := broker.publishedTo("homectrl/onair/temperature/kitchen")
	if len(pubs) != 1 {
		t.Fatalf("expected one bootstrap publish, got %d", len(pubs))
	}

	if !pubs[0].retained {
		t.Error("expected bootstrap publish to be retained")
	}

	want := `{"name":{"value":"kitchen"},"create_at":"2024-08-29T09:00:00.000000","value":21}`
	if string(pubs[0].payload) != want {
		t.Errorf("unexpected payload:\n got %s\nwant %s", pubs[0].payload, want)
	}

	if got := cache.Get("temperature", "kitchen"); string(got) != want {
		t.Errorf("expected cache hydration, got %s", got)
	}

	// A duplicate device report after bootstrap is a no-op.
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	broker.deliver("homectrl/device/kitchen/data",
		[]byte(`{"temperature":21.0,"create_at":"2024-08-29T10:00:00.000000"}`))

	if pubs := broker.publishedTo("homectrl/onair/temperature/kitchen"); len(pubs) != 1 {
		t.Fatalf("expected no new temperature publish after duplicate, got %d", len(pubs))
	}
}
