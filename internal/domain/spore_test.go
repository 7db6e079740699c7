package domain

import (
	"testing"
	"time"
)

func TestSecureSpore_IsBroadcast(t *testing.T) {
	s := &SecureSpore{ToAgent: "bob"}
	if s.IsBroadcast() {
		t.Error("want IsBroadcast false for addressed spore")
	}
	s.ToAgent = ""
	if !s.IsBroadcast() {
		t.Error("want IsBroadcast true for empty to_agent")
	}
}

func TestSecureSpore_Expired(t *testing.T) {
	now := time.Now()

	s := &SecureSpore{}
	if s.Expired(now) {
		t.Error("want no expiry when expires_at is nil")
	}

	past := now.Add(-time.Minute)
	s.ExpiresAt = &past
	if !s.Expired(now) {
		t.Error("want expired for past expires_at")
	}

	future := now.Add(time.Minute)
	s.ExpiresAt = &future
	if s.Expired(now) {
		t.Error("want not expired for future expires_at")
	}
}
