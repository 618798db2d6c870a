package redact

import (
	"testing"

	gateway "github.com/ailink/egressgw/internal"
)

func TestApply_JSONWhole_Redacts(t *testing.T) {
	body := []byte(`{"message":"contact me at jane@example.com please"}`)
	res, err := Apply(body, "application/json", []string{"email"}, nil, gateway.OnMatchRedact)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Matched) != 1 || res.Matched[0] != "email" {
		t.Fatalf("expected email match, got %v", res.Matched)
	}
	if res.Blocked {
		t.Fatal("should not block on redact mode")
	}
	if string(res.Body) == string(body) {
		t.Fatal("body should have been redacted")
	}
}

func TestApply_JSONWhole_Blocks(t *testing.T) {
	body := []byte(`{"message":"my ssn is 123-45-6789"}`)
	res, err := Apply(body, "application/json", []string{"ssn"}, nil, gateway.OnMatchBlock)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Blocked {
		t.Fatal("expected block")
	}
}

func TestApply_FieldScoped(t *testing.T) {
	body := []byte(`{"user":{"email":"jane@example.com"},"other":"jane@example.com stays"}`)
	res, err := Apply(body, "application/json", []string{"email"}, []string{"user.email"}, gateway.OnMatchRedact)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Fields) != 1 || res.Fields[0] != "user.email" {
		t.Fatalf("expected only user.email touched, got %v", res.Fields)
	}
	got := string(res.Body)
	if got == string(body) {
		t.Fatal("expected body to change")
	}
}

func TestApply_Idempotent(t *testing.T) {
	body := []byte(`{"message":"email jane@example.com now"}`)
	res1, err := Apply(body, "application/json", []string{"email"}, nil, gateway.OnMatchRedact)
	if err != nil {
		t.Fatal(err)
	}
	res2, err := Apply(res1.Body, "application/json", []string{"email"}, nil, gateway.OnMatchRedact)
	if err != nil {
		t.Fatal(err)
	}
	if string(res1.Body) != string(res2.Body) {
		t.Fatal("re-applying redaction to already-redacted body must be a no-op")
	}
	if len(res2.Matched) != 0 {
		t.Fatalf("expected no further matches on already-redacted body, got %v", res2.Matched)
	}
}

func TestApply_BinaryPassthrough(t *testing.T) {
	body := []byte{0x00, 0x01, 0xFF, 0xFE}
	res, err := Apply(body, "application/octet-stream", nil, nil, gateway.OnMatchRedact)
	if err != nil {
		t.Fatal(err)
	}
	if string(res.Body) != string(body) {
		t.Fatal("binary body must pass through unchanged")
	}
}

func TestApply_CreditCard_SpaceSeparated(t *testing.T) {
	body := []byte(`{"message":"My Visa is 4111 1111 1111 1111 please process it"}`)
	res, err := Apply(body, "application/json", []string{"credit_card"}, nil, gateway.OnMatchRedact)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Matched) != 1 || res.Matched[0] != "credit_card" {
		t.Fatalf("expected credit_card match, got %v", res.Matched)
	}
	if string(res.Body) == string(body) {
		t.Fatal("space-separated card number should have been redacted")
	}
}

func TestApply_CreditCard_DashSeparated(t *testing.T) {
	body := []byte(`{"message":"Card number: 4111-1111-1111-1111"}`)
	res, err := Apply(body, "application/json", []string{"credit_card"}, nil, gateway.OnMatchRedact)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Matched) != 1 || res.Matched[0] != "credit_card" {
		t.Fatalf("expected credit_card match, got %v", res.Matched)
	}
	if string(res.Body) == string(body) {
		t.Fatal("dash-separated card number should have been redacted")
	}
}

func TestApply_CreditCard_LongPAN(t *testing.T) {
	// 19-digit PAN, the top of the range spec.md §4.5/§8 require covering.
	body := []byte(`{"message":"Card: 4111111111111111123"}`)
	res, err := Apply(body, "application/json", []string{"credit_card"}, nil, gateway.OnMatchRedact)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Matched) != 1 || res.Matched[0] != "credit_card" {
		t.Fatalf("expected credit_card match for 19-digit PAN, got %v", res.Matched)
	}
	if string(res.Body) == string(body) {
		t.Fatal("19-digit card number should have been redacted")
	}
}

func TestStreamSanitizer_SplitAcrossChunks(t *testing.T) {
	s := NewStreamSanitizer([]string{"email"})
	s.Feed([]byte("reach me at jane@examp"))
	if len(s.Matched()) != 0 {
		t.Fatal("partial match should not fire yet")
	}
	s.Feed([]byte("le.com thanks"))
	if len(s.Matched()) != 1 || s.Matched()[0] != "email" {
		t.Fatalf("expected email detected once reassembled, got %v", s.Matched())
	}
}
