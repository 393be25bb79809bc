package webhooksub

import "testing"

func TestCreateSubscriptionIdempotent(t *testing.T) {
	s := NewStore()
	sub1, created, err := s.CreateSubscription("s1", "/live/*", "http://x/hook", "")
	if err != nil || !created {
		t.Fatalf("created=%v err=%v", created, err)
	}
	if sub1.WebhookSecret == "" {
		t.Fatal("expected a generated webhook secret")
	}
	sub2, created, err := s.CreateSubscription("s1", "/live/*", "http://x/hook", "")
	if err != nil || created {
		t.Fatalf("second create: created=%v err=%v, want false/nil", created, err)
	}
	if sub2.WebhookSecret != sub1.WebhookSecret {
		t.Fatal("idempotent create should return the same subscription")
	}

	_, _, err = s.CreateSubscription("s1", "/live/*", "http://different/hook", "")
	if err != ErrSubscriptionConflict {
		t.Fatalf("err=%v, want ErrSubscriptionConflict", err)
	}
}

func TestConsumerStateMachineTransitions(t *testing.T) {
	s := NewStore()
	c := s.GetOrCreateConsumer("s1", "/a")
	if c.State != StateIdle {
		t.Fatalf("initial state = %v, want IDLE", c.State)
	}
	epoch1, wake1 := s.TransitionToWaking(c)
	if epoch1 != 1 {
		t.Fatalf("epoch = %d, want 1", epoch1)
	}
	if !s.ClaimWakeID(c, wake1) {
		t.Fatal("expected claim to succeed")
	}
	c.Lock()
	state := c.State
	c.Unlock()
	if state != StateLive {
		t.Fatalf("state after claim = %v, want LIVE", state)
	}
	if s.ClaimWakeID(c, "bogus") {
		t.Fatal("claim with wrong wake id should fail")
	}

	epoch2, _ := s.TransitionToWaking(c)
	if epoch2 != 2 {
		t.Fatalf("epoch after second wake = %d, want 2", epoch2)
	}
}

func TestUnsubscribeLastStreamRemovesConsumer(t *testing.T) {
	s := NewStore()
	c := s.GetOrCreateConsumer("s1", "/a")
	removed := s.UnsubscribeStreams(c, []string{"/a"})
	if !removed {
		t.Fatal("expected consumer to be removed")
	}
	if _, err := s.GetConsumer(c.ConsumerID); err == nil {
		t.Fatal("consumer should no longer exist")
	}
}

func TestFindMatchingSubscriptions(t *testing.T) {
	s := NewStore()
	s.CreateSubscription("s1", "/live/**", "http://x", "")
	s.CreateSubscription("s2", "/other/*", "http://y", "")
	matches := s.FindMatchingSubscriptions("/live/a/b")
	if len(matches) != 1 || matches[0].SubscriptionID != "s1" {
		t.Fatalf("matches = %+v, want only s1", matches)
	}
}
