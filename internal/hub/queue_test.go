package hub

import (
	"testing"
	"time"
)

func TestQueueEnqueueEvictsOldestAtCapacity(t *testing.T) {
	q := newQueueSet(2)
	now := time.Unix(1_700_000_000, 0)
	deadline := now.Add(time.Minute)

	if dropped := q.enqueue("a1", stampedEvent("e1", "task.created", now), deadline); dropped != nil {
		t.Fatalf("unexpected drop: %s", dropped.ID)
	}
	if dropped := q.enqueue("a1", stampedEvent("e2", "task.created", now), deadline); dropped != nil {
		t.Fatalf("unexpected drop: %s", dropped.ID)
	}
	dropped := q.enqueue("a1", stampedEvent("e3", "task.created", now), deadline)
	if dropped == nil || dropped.ID != "e1" {
		t.Fatalf("expected oldest entry evicted, got %+v", dropped)
	}

	events := q.events("a1", now)
	if len(events) != 2 || events[0].ID != "e2" || events[1].ID != "e3" {
		t.Fatalf("unexpected queue contents: %+v", events)
	}
}

func TestQueueEventsNonDestructiveAndSkipsExpired(t *testing.T) {
	q := newQueueSet(10)
	now := time.Unix(1_700_000_000, 0)

	q.enqueue("a1", stampedEvent("live", "task.created", now), now.Add(time.Minute))
	q.enqueue("a1", stampedEvent("expired", "task.created", now), now.Add(-time.Second))

	first := q.events("a1", now)
	if len(first) != 1 || first[0].ID != "live" {
		t.Fatalf("expected only the live entry, got %+v", first)
	}
	first[0].Data["id"] = "tampered"

	second := q.events("a1", now)
	if len(second) != 1 || second[0].Data["id"] != "live" {
		t.Fatalf("reads must not consume or share state, got %+v", second)
	}
	if q.total(now) != 1 {
		t.Fatalf("expected total 1, got %d", q.total(now))
	}
}

func TestQueueDrainSplitsLiveAndExpired(t *testing.T) {
	q := newQueueSet(10)
	now := time.Unix(1_700_000_000, 0)

	q.enqueue("a1", stampedEvent("e1", "task.created", now), now.Add(time.Minute))
	q.enqueue("a1", stampedEvent("e2", "task.created", now), now.Add(-time.Second))
	q.enqueue("a1", stampedEvent("e3", "task.created", now), now.Add(time.Minute))

	live, expired := q.drain("a1", now)
	if len(live) != 2 || live[0].evt.ID != "e1" || live[1].evt.ID != "e3" {
		t.Fatalf("unexpected live entries: %+v", live)
	}
	if len(expired) != 1 || expired[0].ID != "e2" {
		t.Fatalf("unexpected expired entries: %+v", expired)
	}
	if got := q.events("a1", now); len(got) != 0 {
		t.Fatalf("drain must empty the queue, got %d entries", len(got))
	}
}

func TestQueueRequeueFrontRestoresOrderAndBounds(t *testing.T) {
	q := newQueueSet(3)
	now := time.Unix(1_700_000_000, 0)
	deadline := now.Add(time.Minute)

	q.enqueue("a1", stampedEvent("e4", "task.created", now), deadline)

	restored := []queuedEvent{
		{evt: stampedEvent("e1", "task.created", now), expiresAt: deadline},
		{evt: stampedEvent("e2", "task.created", now), expiresAt: deadline},
		{evt: stampedEvent("e3", "task.created", now), expiresAt: deadline},
	}
	dropped := q.requeueFront("a1", restored)
	if len(dropped) != 1 || dropped[0].ID != "e1" {
		t.Fatalf("expected the oldest restored entry evicted, got %+v", dropped)
	}

	events := q.events("a1", now)
	want := []string{"e2", "e3", "e4"}
	if len(events) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(events))
	}
	for i, id := range want {
		if events[i].ID != id {
			t.Fatalf("order broken at %d: want %s got %s", i, id, events[i].ID)
		}
	}

	if dropped := q.requeueFront("a1", nil); dropped != nil {
		t.Fatalf("empty requeue must be a no-op, got %+v", dropped)
	}
}

func TestQueueSweepExpiredScrubsAllAgents(t *testing.T) {
	q := newQueueSet(10)
	now := time.Unix(1_700_000_000, 0)

	q.enqueue("a1", stampedEvent("a1-live", "task.created", now), now.Add(time.Minute))
	q.enqueue("a1", stampedEvent("a1-old", "task.created", now), now.Add(-time.Second))
	q.enqueue("a2", stampedEvent("a2-old1", "task.created", now), now.Add(-time.Second))
	q.enqueue("a2", stampedEvent("a2-old2", "task.created", now), now.Add(-time.Minute))

	dropped := q.sweepExpired(now)
	if len(dropped) != 3 {
		t.Fatalf("expected 3 expired entries, got %d", len(dropped))
	}
	byAgent := map[string]int{}
	for _, drop := range dropped {
		byAgent[drop.agentID]++
	}
	if byAgent["a1"] != 1 || byAgent["a2"] != 2 {
		t.Fatalf("unexpected drop ownership: %v", byAgent)
	}

	if got := q.events("a1", now); len(got) != 1 || got[0].ID != "a1-live" {
		t.Fatalf("live entry must survive the sweep, got %+v", got)
	}
	if q.total(now) != 1 {
		t.Fatalf("expected total 1 after sweep, got %d", q.total(now))
	}
}
