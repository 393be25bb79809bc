package webhooksub

import "testing"

func TestTokenIssueAndValidate(t *testing.T) {
	issuer, err := NewTokenIssuer()
	if err != nil {
		t.Fatal(err)
	}
	token, err := issuer.Issue("c1", 3)
	if err != nil {
		t.Fatal(err)
	}
	v := issuer.Validate(token, "c1")
	if !v.Valid || v.Epoch != 3 || v.ConsumerID != "c1" {
		t.Fatalf("validation = %+v", v)
	}
}

func TestTokenWrongConsumerRejected(t *testing.T) {
	issuer, _ := NewTokenIssuer()
	token, _ := issuer.Issue("c1", 1)
	v := issuer.Validate(token, "c2")
	if v.Valid {
		t.Fatal("expected validation to fail for mismatched consumer id")
	}
}

func TestTokenMalformedRejected(t *testing.T) {
	issuer, _ := NewTokenIssuer()
	v := issuer.Validate("not-a-jwt", "c1")
	if v.Valid || v.Code != ErrCodeTokenInvalid {
		t.Fatalf("validation = %+v, want invalid/TOKEN_INVALID", v)
	}
}

func TestSignAndVerifyPayload(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	sig := SignPayload("secret", body)
	if !VerifySignature("secret", body, sig) {
		t.Fatal("expected signature to verify")
	}
	if VerifySignature("wrong-secret", body, sig) {
		t.Fatal("expected signature verification to fail with wrong secret")
	}
}
