package mqtt

import "testing"

func TestRingEmptyDrain(t *testing.T) {
	t.Parallel()

	r := newRing(10)
	if got := r.drain(); got != nil {
		t.Errorf("expected nil from empty drain, got %d items", len(got))
	}
}

func TestRingPushAndDrain(t *testing.T) {
	t.Parallel()

	r := newRing(10)
	for i := 0; i < 5; i++ {
		if dropped := r.push(queuedMessage{topic: "t", payload: []byte{byte(i)}}); dropped {
			t.Fatalf("unexpected drop at %d", i)
		}
	}

	got := r.drain()
	if len(got) != 5 {
		t.Fatalf("expected 5 items, got %d", len(got))
	}

	for i := 0; i < 5; i++ {
		if got[i].payload[0] != byte(i) {
			t.Errorf("item %d: expected payload %d, got %d", i, i, got[i].payload[0])
		}
	}

	if got := r.drain(); got != nil {
		t.Errorf("expected nil from second drain, got %d items", len(got))
	}
}

func TestRingOverflowDropsOldest(t *testing.T) {
	t.Parallel()

	const capacity = 5

	r := newRing(capacity)

	drops := 0

	for i := 0; i < capacity+3; i++ {
		if r.push(queuedMessage{topic: "t", payload: []byte{byte(i)}}) {
			drops++
		}
	}

	if drops != 3 {
		t.Fatalf("expected 3 drops, got %d", drops)
	}

	got := r.drain()
	if len(got) != capacity {
		t.Fatalf("expected %d items, got %d", capacity, len(got))
	}

	for i := 0; i < capacity; i++ {
		want := byte(i + 3) // oldest 3 were dropped
		if got[i].payload[0] != want {
			t.Errorf("item %d: expected payload %d, got %d", i, want, got[i].payload[0])
		}
	}
}

func TestRingMultipleCycles(t *testing.T) {
	t.Parallel()

	r := newRing(5)

	for i := 0; i < 3; i++ {
		r.push(queuedMessage{topic: "t", payload: []byte{byte(i)}})
	}

	if got := r.drain(); len(got) != 3 {
		t.Fatalf("cycle 1: expected 3 items, got %d", len(got))
	}

	for i := 10; i < 14; i++ {
		r.push(queuedMessage{topic: "t", payload: []byte{byte(i)}})
	}

	got := r.drain()
	if len(got) != 4 {
		t.Fatalf("cycle 2: expected 4 items, got %d", len(got))
	}

	for i, msg := range got {
		if want := byte(10 + i); msg.payload[0] != want {
			t.Errorf("cycle 2 item %d: expected %d, got %d", i, want, msg.payload[0])
		}
	}
}

func TestRingLen(t *testing.T) {
	t.Parallel()

	r := newRing(10)
	if r.len() != 0 {
		t.Errorf("expected len 0, got %d", r.len())
	}

	r.push(queuedMessage{topic: "t"})
	r.push(queuedMessage{topic: "t"})

	if r.len() != 2 {
		t.Errorf("expected len 2, got %d", r.len())
	}

	r.drain()

	if r.len() != 0 {
		t.Errorf("expected len 0 after drain, got %d", r.len())
	}
}

func TestRingPreservesFields(t *testing.T) {
	t.Parallel()

	r := newRing(10)
	r.push(queuedMessage{
		topic:    "homectrl/onair/temperature/bathroom",
		payload:  []byte(`{"test":true}`),
		qos:      1,
		retained: true,
	})

	got := r.drain()
	if len(got) != 1 {
		t.Fatalf("expected 1 item, got %d", len(got))
	}

	if got[0].topic != "homectrl/onair/temperature/bathroom" {
		t.Errorf("unexpected topic %s", got[0].topic)
	}

	if string(got[0].payload) != `{"test":true}` {
		t.Errorf("unexpected payload %s", got[0].payload)
	}

	if got[0].qos != 1 || !got[0].retained {
		t.Errorf("qos/retained not preserved: %d %v", got[0].qos, got[0].retained)
	}
}
