package bolt

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/durablestreams/dstreamd/internal/enginestore"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(Config{Path: filepath.Join(dir, "test.db")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s
}

func TestBoltCreateAppendReadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.Create(ctx, "/s1", enginestore.CreateOptions{ContentType: "application/json"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append(ctx, "/s1", []byte(`[{"a":1},{"a":2}]`), enginestore.AppendOptions{ContentType: "application/json"}); err != nil {
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

func TestBoltPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	ctx := context.Background()

	s1, err := Open(Config{Path: dbPath}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s1.Create(ctx, "/s1", enginestore.CreateOptions{ContentType: "text/plain"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s1.Append(ctx, "/s1", []byte("hello"), enginestore.AppendOptions{ContentType: "text/plain"}); err != nil {
		t.Fatal(err)
	}
	if err := s1.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(Config{Path: dbPath}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Shutdown(ctx)
	read, err := s2.Read(ctx, "/s1", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(read.Messages) != 1 || string(read.Messages[0].Data) != "hello" {
		t.Fatalf("recovered messages = %+v", read.Messages)
	}
}

func TestBoltProducerDedup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.Create(ctx, "/s1", enginestore.CreateOptions{ContentType: "text/plain"}); err != nil {
		t.Fatal(err)
	}
	epoch, seq := uint64(0), uint64(0)
	opts := enginestore.AppendOptions{ContentType: "text/plain", ProducerID: "p", ProducerEpoch: &epoch, ProducerSeq: &seq}
	r1, err := s.Append(ctx, "/s1", []byte("A"), opts)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := s.Append(ctx, "/s1", []byte("A"), opts)
	if err != nil {
		t.Fatal(err)
	}
	if r2.ProducerResult != enginestore.ProducerResultDuplicate || r1.Offset != r2.Offset {
		t.Fatalf("expected duplicate with same offset, got r1=%+v r2=%+v", r1, r2)
	}
}

func TestBoltNotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.Get(ctx, "/missing"); !errors.Is(err, enginestore.ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
}
