package framing

import (
	"bytes"
	"errors"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"":                                       DefaultContentType,
		"application/json":                       "application/json",
		"Application/JSON; charset=utf-8":        "application/json",
		"text/plain;boundary=x":                  "text/plain",
		" application/json ":                     "application/json",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMatches(t *testing.T) {
	if !Matches("application/json", "") {
		t.Fatal("empty caller content type should match")
	}
	if !Matches("application/json", "application/json; charset=utf-8") {
		t.Fatal("same media type with params should match")
	}
	if Matches("application/json", "text/plain") {
		t.Fatal("different media types should not match")
	}
}

func TestSplitSingleValue(t *testing.T) {
	msgs, err := Split([]byte(`{"a":1}`), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
}

func TestSplitArrayFlattening(t *testing.T) {
	msgs, err := Split([]byte(`[{"a":1},{"a":2},[1,2]]`), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if !bytes.Equal(bytes.TrimSpace(msgs[2]), []byte("[1,2]")) {
		t.Fatalf("nested array not preserved: %s", msgs[2])
	}
}

func TestSplitEmptyArray(t *testing.T) {
	if _, err := Split([]byte(`[]`), false); !errors.Is(err, ErrEmptyArray) {
		t.Fatalf("expected ErrEmptyArray, got %v", err)
	}
	msgs, err := Split([]byte(`[]`), true)
	if err != nil || msgs != nil {
		t.Fatalf("allowEmptyArray=true: got (%v, %v), want (nil, nil)", msgs, err)
	}
}

func TestSplitInvalidJSON(t *testing.T) {
	if _, err := Split([]byte(`not json`), false); !errors.Is(err, ErrInvalidJSON) {
		t.Fatalf("expected ErrInvalidJSON, got %v", err)
	}
}

func TestSplitEmptyBody(t *testing.T) {
	if _, err := Split([]byte("  "), false); !errors.Is(err, ErrEmptyBody) {
		t.Fatalf("expected ErrEmptyBody, got %v", err)
	}
}

func TestWrapJSONRoundTrip(t *testing.T) {
	msgs, err := Split([]byte(`[{"a":1},{"a":2}]`), false)
	if err != nil {
		t.Fatal(err)
	}
	got := WrapJSON(msgs)
	want := `[{"a":1},{"a":2}]`
	if string(got) != want {
		t.Fatalf("WrapJSON = %s, want %s", got, want)
	}
}

func TestWrapJSONEmpty(t *testing.T) {
	if got := WrapJSON(nil); string(got) != "[]" {
		t.Fatalf("WrapJSON(nil) = %s, want []", got)
	}
}
