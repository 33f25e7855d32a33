package totp

import (
	"strings"
	"testing"
	"time"
)

func TestComputeStableWithinStep(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	base := time.Unix(1700000010, 0)
	a := Compute(key, base)
	b := Compute(key, base.Add(10*time.Second))
	if a == "" || len(a) != Digits {
		t.Fatalf("bad code %q", a)
	}
	if a != b {
		t.Fatalf("codes differ within one step: %q vs %q", a, b)
	}
}

func TestVerifyWindow(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	now := time.Unix(1700000000, 0)

	if !Verify(Compute(key, now), key, now) {
		t.Fatal("current code rejected")
	}
	if !Verify(Compute(key, now.Add(-Step)), key, now) {
		t.Fatal("previous step rejected inside window")
	}
	if !Verify(Compute(key, now.Add(Step)), key, now) {
		t.Fatal("next step rejected inside window")
	}
	if Verify(Compute(key, now.Add(2*Step)), key, now) {
		t.Fatal("code two steps ahead accepted")
	}
	if Verify("000000", key, now) && Compute(key, now) != "000000" {
		t.Fatal("wrong code accepted")
	}
}

func TestVerifyRejectsJunk(t *testing.T) {
	key, _ := GenerateKey()
	now := time.Now()
	for _, code := range []string{"", "12345", "1234567", "abcdef"} {
		if Verify(code, key, now) {
			t.Fatalf("junk code %q accepted", code)
		}
	}
	if Verify("123456", "not!base32", now) {
		t.Fatal("undecodable key accepted a code")
	}
}

func TestProvisionURI(t *testing.T) {
	uri := ProvisionURI("alice smith", "Login Core", "ABC234")
	if !strings.HasPrefix(uri, "otpauth://totp/") {
		t.Fatalf("bad scheme: %s", uri)
	}
	if !strings.Contains(uri, "secret=ABC234") {
		t.Fatalf("missing secret: %s", uri)
	}
	if strings.Contains(uri, " ") {
		t.Fatalf("unescaped space: %s", uri)
	}
}
