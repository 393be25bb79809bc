package enginestore

import (
	"context"
	"errors"
	"testing"
	"time"
)

func mustCreate(t *testing.T, s *MemoryStore, path string, opts CreateOptions) {
	t.Helper()
	if _, err := s.Create(context.Background(), path, opts); err != nil {
		t.Fatalf("Create(%q): %v", path, err)
	}
}

func TestCreateIdempotent(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	opts := CreateOptions{ContentType: "application/json"}
	created, err := s.Create(ctx, "/s1", opts)
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	created, err = s.Create(ctx, "/s1", opts)
	if err != nil || created {
		t.Fatalf("second create: created=%v err=%v, want false/nil", created, err)
	}
	_, err = s.Create(ctx, "/s1", CreateOptions{ContentType: "text/plain"})
	if !errors.Is(err, ErrStreamConflict) {
		t.Fatalf("conflicting create: err=%v, want ErrStreamConflict", err)
	}
}

func TestAppendJSONBatchAndRead(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	mustCreate(t, s, "/s1", CreateOptions{ContentType: "application/json"})
	if _, err := s.Append(ctx, "/s1", []byte(`[{"a":1},{"a":2}]`), AppendOptions{ContentType: "application/json"}); err != nil {
		t.Fatal(err)
	}
	read, err := s.Read(ctx, "/s1", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(read.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(read.Messages))
	}
	body, err := s.FormatResponse(ctx, "/s1", read.Messages)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != `[{"a":1},{"a":2}]` {
		t.Fatalf("FormatResponse = %s", body)
	}
}

func TestStreamSeqConflict(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	mustCreate(t, s, "/s2", CreateOptions{ContentType: "text/plain"})
	seq10 := uint64(10)
	if _, err := s.Append(ctx, "/s2", []byte("A"), AppendOptions{ContentType: "text/plain", Seq: &seq10}); err != nil {
		t.Fatal(err)
	}
	seq5 := uint64(5)
	_, err := s.Append(ctx, "/s2", []byte("B"), AppendOptions{ContentType: "text/plain", Seq: &seq5})
	if !errors.Is(err, ErrSequenceConflict) {
		t.Fatalf("err=%v, want ErrSequenceConflict", err)
	}
	read, _ := s.Read(ctx, "/s2", "")
	body, _ := s.FormatResponse(ctx, "/s2", read.Messages)
	if string(body) != "A" {
		t.Fatalf("body=%s, want A", body)
	}
}

func TestIdempotentProducerRetry(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	mustCreate(t, s, "/s3", CreateOptions{ContentType: "text/plain"})
	epoch, seq := uint64(0), uint64(0)
	opts := AppendOptions{ContentType: "text/plain", ProducerID: "p", ProducerEpoch: &epoch, ProducerSeq: &seq}
	r1, err := s.Append(ctx, "/s3", []byte("A"), opts)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := s.Append(ctx, "/s3", []byte("A"), opts)
	if err != nil {
		t.Fatal(err)
	}
	if r2.ProducerResult != ProducerResultDuplicate {
		t.Fatalf("second append result=%v, want Duplicate", r2.ProducerResult)
	}
	if r1.Offset != r2.Offset {
		t.Fatalf("offsets differ across retry: %s vs %s", r1.Offset, r2.Offset)
	}
	read, _ := s.Read(ctx, "/s3", "")
	if len(read.Messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(read.Messages))
	}
}

func TestProducerSequenceGap(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	mustCreate(t, s, "/s4", CreateOptions{ContentType: "text/plain"})
	epoch := uint64(0)
	seq1 := uint64(1)
	_, err := s.Append(ctx, "/s4", []byte("A"), AppendOptions{ContentType: "text/plain", ProducerID: "p", ProducerEpoch: &epoch, ProducerSeq: &seq1})
	if !errors.Is(err, ErrSequenceGap) {
		t.Fatalf("err=%v, want ErrSequenceGap (new producer must start at seq 0)", err)
	}
}

func TestCloseSemantics(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	mustCreate(t, s, "/s5", CreateOptions{ContentType: "text/plain"})
	epoch, seq := uint64(0), uint64(0)
	opts := AppendOptions{ContentType: "text/plain", ProducerID: "p", ProducerEpoch: &epoch, ProducerSeq: &seq, Close: true}
	r, err := s.Append(ctx, "/s5", []byte("A"), opts)
	if err != nil || !r.StreamClosed {
		t.Fatalf("append+close: err=%v closed=%v", err, r.StreamClosed)
	}
	_, err = s.Append(ctx, "/s5", []byte("B"), AppendOptions{ContentType: "text/plain"})
	if !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("append after close: err=%v, want ErrStreamClosed", err)
	}
	wr, err := s.WaitForMessages(ctx, "/s5", r.Offset, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !wr.StreamClosed {
		t.Fatalf("wait at tail of closed stream: StreamClosed=false")
	}
}

func TestLongPollUnblocksOnAppend(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	mustCreate(t, s, "/s6", CreateOptions{ContentType: "text/plain"})

	done := make(chan WaitResult, 1)
	go func() {
		wr, err := s.WaitForMessages(ctx, "/s6", "", 5*time.Second)
		if err != nil {
			t.Error(err)
		}
		done <- wr
	}()

	time.Sleep(20 * time.Millisecond)
	if _, err := s.Append(ctx, "/s6", []byte("x"), AppendOptions{ContentType: "text/plain"}); err != nil {
		t.Fatal(err)
	}

	select {
	case wr := <-done:
		if len(wr.Messages) != 1 || string(wr.Messages[0].Data) != "x" {
			t.Fatalf("unexpected wait result: %+v", wr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("long-poll did not unblock in time")
	}
}

func TestIdempotencyKeyReplay(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	mustCreate(t, s, "/s7", CreateOptions{ContentType: "text/plain"})
	opts := AppendOptions{ContentType: "text/plain", IdempotencyKey: "k1"}
	r1, err := s.Append(ctx, "/s7", []byte("A"), opts)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := s.Append(ctx, "/s7", []byte("A"), opts)
	if err != nil {
		t.Fatal(err)
	}
	if !r2.IdempotencyReplayed || r1.Offset != r2.Offset {
		t.Fatalf("expected replayed result with same offset, got r1=%+v r2=%+v", r1, r2)
	}
	read, _ := s.Read(ctx, "/s7", "")
	if len(read.Messages) != 1 {
		t.Fatalf("got %d messages, want 1 (no duplicate append)", len(read.Messages))
	}
}

func TestEmptyJSONArrayOnAppendRejected(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	mustCreate(t, s, "/s8", CreateOptions{ContentType: "application/json"})
	_, err := s.Append(ctx, "/s8", []byte(`[]`), AppendOptions{ContentType: "application/json"})
	if !errors.Is(err, ErrEmptyArray) {
		t.Fatalf("err=%v, want ErrEmptyArray", err)
	}
}

func TestEmptyJSONArrayOnCreateAllowed(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	_, err := s.Create(ctx, "/s9", CreateOptions{ContentType: "application/json", InitialData: []byte(`[]`)})
	if err != nil {
		t.Fatal(err)
	}
	read, err := s.Read(ctx, "/s9", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(read.Messages) != 0 {
		t.Fatalf("got %d messages, want 0", len(read.Messages))
	}
}

func TestDeleteResolvesWaiters(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	mustCreate(t, s, "/s10", CreateOptions{ContentType: "text/plain"})

	done := make(chan WaitResult, 1)
	go func() {
		wr, _ := s.WaitForMessages(ctx, "/s10", "", 5*time.Second)
		done <- wr
	}()
	time.Sleep(20 * time.Millisecond)
	if err := s.Delete(ctx, "/s10"); err != nil {
		t.Fatal(err)
	}
	select {
	case wr := <-done:
		if len(wr.Messages) != 0 {
			t.Fatalf("expected empty result on delete, got %+v", wr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not resolved on delete")
	}
}
