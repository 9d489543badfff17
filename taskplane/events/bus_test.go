package events

import (
	"testing"
	"time"

	"github.com/partshive/partshive/taskplane/task"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	b := NewBus()
	s1 := b.Subscribe(8)
	s2 := b.Subscribe(8)
	defer s1.Close()
	defer s2.Close()

	b.PublishLog("t1", LevelInfo, "step", "hello")

	for i, sub := range []*Subscriber{s1, s2} {
		select {
		case f := <-sub.C:
			if f.Kind != KindLog || f.TaskID != "t1" || f.Message != "hello" {
				t.Errorf("Subscriber %d got unexpected frame: %+v", i, f)
			}
		case <-time.After(time.Second):
			t.Fatalf("Subscriber %d never received the frame", i)
		}
	}
}

func TestBusUpdateFramesCarrySnapshots(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(8)
	defer sub.Close()

	orig := &task.Task{ID: "t1", Name: "before", Status: task.StatusRunning}
	b.PublishUpdate(orig)
	orig.Name = "after"

	f := <-sub.C
	if f.Task == nil {
		t.Fatal("Expected a task snapshot on the frame")
	}
	if f.Task.Name != "before" {
		t.Errorf("Frame shares memory with the published task: got %q", f.Task.Name)
	}
}

func TestBusDropsSlowSubscriber(t *testing.T) {
	b := NewBus()
	slow := b.Subscribe(2)
	fast := b.Subscribe(16)
	defer fast.Close()

	// Overflow the slow subscriber's buffer without draining it
	for i := 0; i < 5; i++ {
		b.PublishLog("t1", LevelInfo, "", "msg")
	}

	if got := b.SubscriberCount(); got != 1 {
		t.Errorf("Expected slow subscriber evicted, count=%d", got)
	}

	// Evicted channel is closed
	drained := 0
	for range slow.C {
		drained++
	}
	if drained != 2 {
		t.Errorf("Expected 2 buffered frames before close, got %d", drained)
	}

	// Fast subscriber keeps receiving
	b.PublishLog("t2", LevelInfo, "", "still here")
	found := false
	for !found {
		select {
		case f := <-fast.C:
			if f.TaskID == "t2" {
				found = true
			}
		case <-time.After(time.Second):
			t.Fatal("Fast subscriber stopped receiving after eviction of the slow one")
		}
	}
}

func TestBusCloseIsIdempotent(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(4)
	sub.Close()
	sub.Close()
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("Expected 0 subscribers after close, got %d", got)
	}
	// Publishing after close must not panic
	b.PublishLog("t1", LevelInfo, "", "after close")
}
