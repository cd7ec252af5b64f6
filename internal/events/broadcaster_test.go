package events

import "testing"

func TestPublishDeliversInRegistrationOrder(t *testing.T) {
	b := NewBroadcaster()

	var order []string
	b.Subscribe(func(ev StatusEvent) { order = append(order, "first") })
	b.Subscribe(func(ev StatusEvent) { order = append(order, "second") })
	b.Subscribe(func(ev StatusEvent) { order = append(order, "third") })

	b.Publish(StatusEvent{Status: StatusStarting, PackageName: "Agent"})

	if len(order) != 3 {
		t.Fatalf("Expected 3 deliveries, got %d", len(order))
	}
	if order[0] != "first" || order[1] != "second" || order[2] != "third" {
		t.Errorf("Expected registration order, got %v", order)
	}
}

func TestPanickingObserverDoesNotBlockOthers(t *testing.T) {
	b := NewBroadcaster()

	var delivered []string
	b.Subscribe(func(ev StatusEvent) { delivered = append(delivered, "before") })
	b.Subscribe(func(ev StatusEvent) { panic("observer bug") })
	b.Subscribe(func(ev StatusEvent) { delivered = append(delivered, "after") })

	b.Publish(StatusEvent{Status: StatusCompleted})

	if len(delivered) != 2 {
		t.Fatalf("Expected delivery to 2 healthy observers, got %d", len(delivered))
	}
	if delivered[1] != "after" {
		t.Error("Expected observer after the panicking one to still receive the event")
	}
}

func TestPublishStampsTimestamp(t *testing.T) {
	b := NewBroadcaster()

	var got StatusEvent
	b.Subscribe(func(ev StatusEvent) { got = ev })

	b.Publish(StatusEvent{Status: StatusDownloading})

	if got.Timestamp == 0 {
		t.Error("Expected Publish to stamp the event timestamp")
	}
}
