package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"stablecoin/config"
	"stablecoin/crypto"
	"stablecoin/services/stabled/server"
)

func TestKeygenPrintsDecodableAddress(t *testing.T) {
	var out bytes.Buffer
	if err := runKeygen(&out); err != nil {
		t.Fatalf("keygen: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "address: ") {
		t.Fatalf("unexpected output %q", out.String())
	}
	addr, err := crypto.DecodeAddress(strings.TrimPrefix(lines[0], "address: "))
	if err != nil {
		t.Fatalf("decode address: %v", err)
	}
	if addr.Prefix() != crypto.UserPrefix || addr.IsZero() {
		t.Fatalf("unexpected address %s", addr)
	}
}

func TestSignedTokenAuthenticates(t *testing.T) {
	auth := config.AuthConfig{HMACSecret: "s3cret", Issuer: "stabled", Audience: "stabled"}
	subject := crypto.ModuleAddress("operator").String()
	subjectAddr, _ := crypto.DecodeAddress(subject)

	token, err := signToken(auth, subject, time.Minute, time.Now())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	verifier := server.NewAuthenticator(server.AuthConfig{HMACSecret: "s3cret", Issuer: "stabled", Audience: "stabled"}, nil)
	got, err := verifier.Authenticate(token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if !got.Equal(subjectAddr) {
		t.Fatalf("expected %s, got %s", subject, got)
	}

	if _, err := signToken(config.AuthConfig{}, subject, time.Minute, time.Now()); err == nil {
		t.Fatalf("expected missing secret error")
	}
	if _, err := signToken(auth, "nope", time.Minute, time.Now()); err == nil {
		t.Fatalf("expected invalid subject error")
	}
}
