package sharedfiles

import "testing"

func TestMonitor_SubscribeReceivesTransitions(t *testing.T) {
	m := NewMonitor()
	ch, unsubscribe := m.Subscribe()
	defer unsubscribe()

	m.SetValue(func(s State) State {
		s.Filling = true
		return s
	})

	select {
	case got := <-ch:
		if !got.Filling {
			t.Fatalf("expected Filling=true, got %+v", got)
		}
	default:
		t.Fatal("expected a buffered transition, got none")
	}
}

func TestMonitor_UnsubscribeStopsDelivery(t *testing.T) {
	m := NewMonitor()
	ch, unsubscribe := m.Subscribe()
	unsubscribe()

	m.SetValue(func(s State) State {
		s.Filled = true
		return s
	})

	select {
	case v, ok := <-ch:
		if ok {
			t.Fatalf("expected no further delivery after unsubscribe, got %+v", v)
		}
	default:
	}
}

func TestMonitor_GetReflectsLatestValue(t *testing.T) {
	m := NewMonitor()
	m.SetValue(func(s State) State {
		s.Progress = 0.5
		return s
	})
	if got := m.Get().Progress; got != 0.5 {
		t.Fatalf("got %v", got)
	}
}
