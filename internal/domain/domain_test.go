package domain

import (
	"testing"
	"time"
)

func TestTitleFromPrompt(t *testing.T) {
	if got := TitleFromPrompt("   \n\t "); got != "New chat" {
		t.Errorf("expected fallback title, got %q", got)
	}
	if got := TitleFromPrompt("  pet   food\nsubscription "); got != "pet food subscription" {
		t.Errorf("expected collapsed whitespace, got %q", got)
	}
	long := "반려동물 사료 정기배송 서비스를 구독 모델로 운영하면 시장성이 있을까요? 경쟁사는 어디일까요?"
	got := TitleFromPrompt(long)
	if n := len([]rune(got)); n != maxTitleRunes {
		t.Errorf("expected %d runes, got %d (%q)", maxTitleRunes, n, got)
	}
}

func TestShortTitle(t *testing.T) {
	if got := ShortTitle("short"); got != "short" {
		t.Errorf("expected unchanged title, got %q", got)
	}
	if got := ShortTitle("a very long session title"); got != "a very long ses..." {
		t.Errorf("unexpected short title %q", got)
	}
	s := &ChatSession{Title: "중고 명품 거래 플랫폼 창업 아이디어 분석"}
	if got := s.ShortTitle(); got != "중고 명품 거래 플랫폼 창업..." {
		t.Errorf("unexpected rune-aware truncation %q", got)
	}
}

func TestLoginTokenUsable(t *testing.T) {
	now := time.Now()
	tok := &LoginToken{Kind: TokenLogin, ExpiresAt: now.Add(time.Minute)}
	if !tok.Usable(now) {
		t.Fatal("fresh login token should be usable")
	}

	consumed := now
	tok.ConsumedAt = &consumed
	if tok.Usable(now) {
		t.Fatal("consumed login token should not be usable")
	}

	auth := &LoginToken{Kind: TokenAuth, ExpiresAt: now.Add(time.Hour), ConsumedAt: &consumed}
	if !auth.Usable(now) {
		t.Fatal("auth tokens are reusable until expiry")
	}
	if auth.Usable(now.Add(time.Hour)) {
		t.Fatal("token should be expired exactly at ExpiresAt")
	}
}

func TestBusinessModelCanvasMissing(t *testing.T) {
	bmc := &BusinessModelCanvas{KeyPartners: "suppliers", Channels: "app"}
	missing := bmc.Missing()
	if len(missing) != 7 {
		t.Fatalf("expected 7 missing blocks, got %v", missing)
	}
	if missing[0] != "key_activities" {
		t.Errorf("expected canvas order to be preserved, got %v", missing)
	}

	bmc.KeyActivities = "  \n\t "
	if got := bmc.Missing(); len(got) != 7 || got[0] != "key_activities" {
		t.Errorf("blank block should count as missing, got %v", got)
	}
}

func TestGuestIdentity(t *testing.T) {
	u := &User{UserID: "anon_0123456789abcdef0123456789abcdef"}
	if !u.IsGuest() {
		t.Fatal("expected guest")
	}
	if got := GuestName(u.UserID); got != "guest-89abcdef" {
		t.Errorf("unexpected guest name %q", got)
	}
	if IsGuestID("founder@example.com") {
		t.Fatal("email IDs are not guests")
	}
	for _, id := range []string{"anon_x@example.com", "anon_", "anon_0123456789ABCDEF0123456789ABCDEF"} {
		if IsGuestID(id) {
			t.Errorf("IsGuestID(%q) = true, want false", id)
		}
	}
}
