package eventbus

import (
	"encoding/json"
	"testing"
)

func TestPublishDeliversInSubscriptionOrder(t *testing.T) {
	bus := New()
	var order []string

	Subscribe(bus, VideoEndedTopic, func(e VideoEnded) { order = append(order, "first:"+e.VideoID) })
	Subscribe(bus, VideoEndedTopic, func(e VideoEnded) { order = append(order, "second:"+e.VideoID) })

	Publish(bus, VideoEndedTopic, VideoEnded{VideoID: "v1"})

	if len(order) != 2 || order[0] != "first:v1" || order[1] != "second:v1" {
		t.Fatalf("unexpected delivery order: %v", order)
	}
}

func TestPublishOnlyReachesMatchingTopic(t *testing.T) {
	bus := New()
	called := false
	Subscribe(bus, VideoTabStateTopic, func(VideoTabState) { called = true })

	Publish(bus, ToggleFullScreenTopic, ToggleFullScreen{IsFullScreen: true})

	if called {
		t.Error("listener for another topic should not be called")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New()
	count := 0
	unsubscribe := Subscribe(bus, PointsUpdatedTopic, func(PointsUpdated) { count++ })

	Publish(bus, PointsUpdatedTopic, PointsUpdated{Type: PointsEarned})
	unsubscribe()
	unsubscribe()
	Publish(bus, PointsUpdatedTopic, PointsUpdated{Type: PointsEarned})

	if count != 1 {
		t.Errorf("expected 1 delivery, got %d", count)
	}
	if n := bus.Listeners(PointsUpdatedTopic.Name()); n != 0 {
		t.Errorf("expected no listeners left, got %d", n)
	}
}

func TestListenerRemovedMidEmissionIsSkipped(t *testing.T) {
	bus := New()
	secondCalled := false
	var unsubscribeSecond func()

	Subscribe(bus, VideoEndedTopic, func(VideoEnded) { unsubscribeSecond() })
	unsubscribeSecond = Subscribe(bus, VideoEndedTopic, func(VideoEnded) { secondCalled = true })

	Publish(bus, VideoEndedTopic, VideoEnded{VideoID: "v1"})

	if secondCalled {
		t.Error("listener unsubscribed during emission should be skipped")
	}
}

func TestListenerAddedMidEmissionWaitsForNextEmission(t *testing.T) {
	bus := New()
	lateCalls := 0
	added := false

	Subscribe(bus, VideoEndedTopic, func(VideoEnded) {
		if !added {
			added = true
			Subscribe(bus, VideoEndedTopic, func(VideoEnded) { lateCalls++ })
		}
	})

	Publish(bus, VideoEndedTopic, VideoEnded{VideoID: "v1"})
	if lateCalls != 0 {
		t.Fatalf("late listener should not see the emission it was added in, got %d calls", lateCalls)
	}

	Publish(bus, VideoEndedTopic, VideoEnded{VideoID: "v2"})
	if lateCalls != 1 {
		t.Errorf("expected late listener to be called once, got %d", lateCalls)
	}
}

func TestPanickingListenerDoesNotBlockOthers(t *testing.T) {
	bus := New()
	reached := false

	Subscribe(bus, ReactionsUpdatedTopic, func(ReactionsUpdated) { panic("boom") })
	Subscribe(bus, ReactionsUpdatedTopic, func(ReactionsUpdated) { reached = true })

	Publish(bus, ReactionsUpdatedTopic, ReactionsUpdated{Type: ReactionView, VideoID: "v1"})

	if !reached {
		t.Error("expected second listener to run after first panicked")
	}
}

func TestPayloadJSONShape(t *testing.T) {
	data, err := json.Marshal(AutoScrollNext{FromVideo: "v1", ToIndex: 2})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"fromVideo":"v1","toIndex":2}` {
		t.Errorf("unexpected payload: %s", data)
	}

	data, _ = json.Marshal(PointsUpdated{Type: PointsReset})
	if string(data) != `{"type":"reset"}` {
		t.Errorf("unexpected payload: %s", data)
	}
}
