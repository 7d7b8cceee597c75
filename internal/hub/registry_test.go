package hub

import (
	"testing"
	"time"

	"github.com/coachpo/agenthub/internal/schema"
)

func testSubscription(id, agent string, types ...schema.EventType) *schema.Subscription {
	if len(types) == 0 {
		types = []schema.EventType{"task.created"}
	}
	return &schema.Subscription{
		ID:         schema.SubscriptionID(id),
		AgentID:    agent,
		EventTypes: types,
		Transport:  schema.PollTransport{},
		CreatedAt:  time.Unix(1_700_000_000, 0),
		Active:     true,
	}
}

func TestRegistryGetReturnsClone(t *testing.T) {
	r := newRegistry()
	sub := testSubscription("s1", "a1")
	sub.Filters = map[string]any{"missionId": "m1"}
	r.create(sub)

	got, ok := r.get("s1")
	if !ok {
		t.Fatal("expected record")
	}
	got.Filters["missionId"] = "tampered"
	got.EventTypes[0] = "tampered"

	fresh, _ := r.get("s1")
	if fresh.Filters["missionId"] != "m1" || fresh.EventTypes[0] != "task.created" {
		t.Fatalf("stored record mutated through a returned clone: %+v", fresh)
	}
}

func TestRegistryRemoveReportsPriorState(t *testing.T) {
	r := newRegistry()
	r.create(testSubscription("s1", "a1"))

	removed, ok := r.remove("s1")
	if !ok {
		t.Fatal("expected removal")
	}
	if !removed.Active {
		t.Fatal("removed clone must carry the pre-removal active flag")
	}
	if _, ok := r.get("s1"); ok {
		t.Fatal("record still present after remove")
	}
	if _, ok := r.remove("s1"); ok {
		t.Fatal("second remove must report absence")
	}
}

func TestRegistryListByAgentOrdersByCreation(t *testing.T) {
	r := newRegistry()
	base := time.Unix(1_700_000_000, 0)

	second := testSubscription("s2", "a1")
	second.CreatedAt = base.Add(2 * time.Second)
	r.create(second)

	first := testSubscription("s1", "a1")
	first.CreatedAt = base.Add(time.Second)
	r.create(first)

	other := testSubscription("s3", "a2")
	r.create(other)

	inactive := testSubscription("s4", "a1")
	inactive.Active = false
	r.create(inactive)

	list := r.listByAgent("a1")
	if len(list) != 2 {
		t.Fatalf("expected 2 active records, got %d", len(list))
	}
	if list[0].ID != "s1" || list[1].ID != "s2" {
		t.Fatalf("expected creation order s1,s2, got %s,%s", list[0].ID, list[1].ID)
	}
}

func TestRegistrySnapshotMatchingSkipsInactiveAndMismatches(t *testing.T) {
	r := newRegistry()
	evt := stampedEvent("e1", "task.created", time.Unix(1_700_000_000, 0))

	match := testSubscription("s1", "a1")
	r.create(match)

	filtered := testSubscription("s2", "a2")
	filtered.Filters = map[string]any{"id": "e1"}
	r.create(filtered)

	wrongType := testSubscription("s3", "a3", "mission.done")
	r.create(wrongType)

	wrongFilter := testSubscription("s4", "a4")
	wrongFilter.Filters = map[string]any{"id": "other"}
	r.create(wrongFilter)

	inactive := testSubscription("s5", "a5")
	inactive.Active = false
	r.create(inactive)

	matches := r.snapshotMatching(evt)
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	seen := map[schema.SubscriptionID]bool{}
	for _, sub := range matches {
		seen[sub.ID] = true
	}
	if !seen["s1"] || !seen["s2"] {
		t.Fatalf("unexpected match set: %v", seen)
	}
}

func TestRegistryCountersTrackOnlyLiveRecords(t *testing.T) {
	r := newRegistry()
	r.create(testSubscription("s1", "a1"))
	at := time.Unix(1_700_000_100, 0)

	r.recordDelivery("s1", at)
	r.recordFailure("s1")

	sub, _ := r.get("s1")
	if sub.DeliveryCount != 1 || sub.FailureCount != 1 {
		t.Fatalf("expected counts 1/1, got %d/%d", sub.DeliveryCount, sub.FailureCount)
	}
	if !sub.LastDelivery.Equal(at) {
		t.Fatalf("expected last delivery %v, got %v", at, sub.LastDelivery)
	}

	r.recordDelivery("missing", at)
	r.recordFailure("missing")

	inactive := testSubscription("s2", "a2")
	inactive.Active = false
	r.create(inactive)
	r.recordDelivery("s2", at)
	if got, _ := r.get("s2"); got.DeliveryCount != 0 {
		t.Fatalf("inactive record must not accumulate deliveries, got %d", got.DeliveryCount)
	}

	r.remove("s1")
	r.recordDelivery("s1", at.Add(time.Second))
	if _, ok := r.get("s1"); ok {
		t.Fatal("counter update must not resurrect a removed record")
	}
}

func TestRegistrySweepIdleUsesLastActivity(t *testing.T) {
	r := newRegistry()
	base := time.Unix(1_700_000_000, 0)
	cutoff := base.Add(time.Hour)

	fresh := testSubscription("fresh", "a1")
	fresh.CreatedAt = base.Add(2 * time.Hour)
	r.create(fresh)

	boundary := testSubscription("boundary", "a2")
	boundary.CreatedAt = cutoff
	r.create(boundary)

	stale := testSubscription("stale", "a3")
	stale.CreatedAt = base
	r.create(stale)

	revived := testSubscription("revived", "a4")
	revived.CreatedAt = base
	revived.LastDelivery = base.Add(90 * time.Minute)
	r.create(revived)

	inactive := testSubscription("inactive", "a5")
	inactive.CreatedAt = base.Add(2 * time.Hour)
	inactive.Active = false
	r.create(inactive)

	removed := r.sweepIdle(cutoff)
	if len(removed) != 2 {
		t.Fatalf("expected 2 removals, got %d", len(removed))
	}
	gone := map[schema.SubscriptionID]bool{}
	for _, sub := range removed {
		gone[sub.ID] = true
	}
	if !gone["stale"] || !gone["inactive"] {
		t.Fatalf("unexpected removal set: %v", gone)
	}
	if r.activeCount() != 3 {
		t.Fatalf("expected 3 surviving records, got %d", r.activeCount())
	}
	if _, ok := r.get("boundary"); !ok {
		t.Fatal("activity exactly at the cutoff must survive")
	}
}

func TestRegistryAgentUsesSocket(t *testing.T) {
	r := newRegistry()
	poll := testSubscription("s1", "a1")
	r.create(poll)
	if r.agentUsesSocket("a1") {
		t.Fatal("poll subscription must not register as socket use")
	}

	socket := testSubscription("s2", "a1")
	socket.Transport = schema.SocketTransport{}
	r.create(socket)
	if !r.agentUsesSocket("a1") {
		t.Fatal("expected socket subscription to register")
	}

	r.remove("s2")
	if r.agentUsesSocket("a1") {
		t.Fatal("expected socket use to clear with the subscription")
	}
}
