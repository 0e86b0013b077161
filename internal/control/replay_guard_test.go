package control

import (
	"testing"
	"time"
)

func TestReplayGuardRejectsDuplicateWithinTTL(t *testing.T) {
	g := newReplayGuard(10 * time.Second)
	now := time.Unix(1700000000, 0)
	if !g.allow("ops", "n1", now) {
		t.Fatalf("expected first request to pass")
	}
	if g.allow("ops", "n1", now.Add(time.Second)) {
		t.Fatalf("expected duplicate nonce to be rejected")
	}
	if !g.allow("other", "n1", now.Add(time.Second)) {
		t.Fatalf("nonces are per client")
	}
	if !g.allow("ops", "n1", now.Add(11*time.Second)) {
		t.Fatalf("expected request after ttl to pass")
	}
}
