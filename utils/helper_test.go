package utils

import (
	"context"
	"errors"
	"testing"
)

func TestNormalizeKey(t *testing.T) {
	cases := map[string]string{
		"  Panel 18MM ":      "panel 18mm",
		"Panel\t 18mm":       "panel 18mm",
		"":                   "",
		"ALU Profile  60x40": "alu profile 60x40",
	}
	for in, want := range cases {
		if got := NormalizeKey(in); got != want {
			t.Fatalf("NormalizeKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidationSummary(t *testing.T) {
	type payload struct {
		TagId    string  `validate:"required"`
		Quantity float64 `validate:"gte=0"`
	}
	err := ValidateStruct(payload{Quantity: -1})
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if got := ValidationSummary(err); got != "Quantity:gte, TagId:required" {
		t.Fatalf("ValidationSummary = %q", got)
	}
	if ValidateStruct(payload{TagId: "T-1", Quantity: 2}) != nil {
		t.Fatalf("expected valid payload")
	}
}

func TestMemoryBlobStore(t *testing.T) {
	s := NewMemoryBlobStore()
	ctx := context.Background()
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrBlobNotFound) {
		t.Fatalf("expected ErrBlobNotFound, got %v", err)
	}
	if err := s.Put(ctx, "a/b.json", []byte(`{}`), ""); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ok, _ := s.Exists(ctx, "a/b.json")
	data, err := s.Get(ctx, "a/b.json")
	if !ok || err != nil || string(data) != "{}" {
		t.Fatalf("Get = %q, %v (exists=%v)", data, err, ok)
	}
}

func TestDetectContentType(t *testing.T) {
	if got := DetectContentType("record.json", []byte(`{"panels":[]}`)); got != "application/json" {
		t.Fatalf("json content type = %q", got)
	}
	zipMagic := []byte("PK\x03\x04\x14\x00\x06\x00")
	if got := DetectContentType("Nest.XLSX", zipMagic); got != "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet" {
		t.Fatalf("xlsx content type = %q", got)
	}
}
