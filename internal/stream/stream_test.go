package stream

import (
	"context"
	"testing"
	"time"

	"docflow.org/internal/auth"
	"docflow.org/internal/lifecycle"
)

func receive(t *testing.T, ch <-chan TransitionEvent) TransitionEvent {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return TransitionEvent{}
}

func TestPublishFansOut(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	a := s.Subscribe(ctx)
	b := s.Subscribe(ctx)

	s.Publish(TransitionEvent{Transition: "approve", EntityID: "ap-1"})
	if evt := receive(t, a); evt.EntityID != "ap-1" || evt.Timestamp.IsZero() {
		t.Fatalf("unexpected event: %+v", evt)
	}
	if evt := receive(t, b); evt.Transition != "approve" {
		t.Fatalf("unexpected event: %+v", evt)
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for s.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscribers not removed after cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = s.Subscribe(ctx)

	for i := 0; i < 20; i++ {
		s.Publish(TransitionEvent{Transition: "submit"})
	}
	if s.Dropped() != 4 {
		t.Fatalf("expected 4 dropped events, got %d", s.Dropped())
	}
}

func TestPublishingEmitsCommittedTransitions(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := s.Subscribe(ctx)

	svc := NewPublishing(lifecycle.NewInMemory(), s)
	callCtx := auth.ContextWithUser(context.Background(), "u-emp", []string{"employee"})

	sub, err := svc.Submit(callCtx, lifecycle.NewSubmission{OwnerID: "u-emp", Kind: "memo"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	evt := receive(t, events)
	if evt.Transition != lifecycle.TransitionSubmit || evt.SubmissionID != sub.ID || evt.ActorID != "u-emp" {
		t.Fatalf("unexpected event: %+v", evt)
	}

	if _, err := svc.Forward(callCtx, sub.ID, lifecycle.Actor{ID: "u-head"}); err == nil {
		t.Fatal("expected forward before approve to fail")
	}
	select {
	case evt := <-events:
		t.Fatalf("failed transition must not publish, got %+v", evt)
	default:
	}
}
