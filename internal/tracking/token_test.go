package tracking

import (
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/ignite/campaign-dispatch/internal/campaign"
)

func TestUnsubscribeTokenRoundTrip(t *testing.T) {
	signer := NewSigner("test-secret", "acme")
	token := signer.UnsubscribeToken("user@example.com")
	if token == "" {
		t.Fatal("UnsubscribeToken() returned empty token")
	}
	if !signer.VerifyUnsubscribeToken("user@example.com", token) {
		t.Error("VerifyUnsubscribeToken() rejected a freshly minted token")
	}
}

func TestUnsubscribeTokenCaseInsensitiveEmail(t *testing.T) {
	signer := NewSigner("test-secret", "acme")
	token := signer.UnsubscribeToken("User@Example.COM")
	if !signer.VerifyUnsubscribeToken("user@example.com", token) {
		t.Error("token minted for mixed-case address did not verify against lowercase")
	}
}

func TestUnsubscribeTokenRejections(t *testing.T) {
	signer := NewSigner("test-secret", "acme")
	token := signer.UnsubscribeToken("user@example.com")

	// Flip one character of the token.
	mutated := []byte(token)
	if mutated[0] == 'A' {
		mutated[0] = 'B'
	} else {
		mutated[0] = 'A'
	}

	tests := []struct {
		name  string
		email string
		token string
	}{
		{"wrong address", "other@example.com", token},
		{"mutated token", "user@example.com", string(mutated)},
		{"empty token", "user@example.com", ""},
		{"not base64", "user@example.com", "%%%%"},
	}
	for _, tt := range tests {
		if signer.VerifyUnsubscribeToken(tt.email, tt.token) {
			t.Errorf("%s: VerifyUnsubscribeToken() = true, want false", tt.name)
		}
	}

	other := NewSigner("other-secret", "acme")
	if other.VerifyUnsubscribeToken("user@example.com", token) {
		t.Error("token verified under a different secret")
	}
	tenant := NewSigner("test-secret", "globex")
	if tenant.VerifyUnsubscribeToken("user@example.com", token) {
		t.Error("token verified under a different tenant")
	}
}

func TestURLs(t *testing.T) {
	signer := NewSigner("test-secret", "acme")
	urls := NewURLs("https://track.example.com/", signer)

	id := uuid.MustParse("f4a7c0de-0000-4000-8000-000000000001")
	if got := urls.Open(id); got != "https://track.example.com/email/track/f4a7c0de-0000-4000-8000-000000000001" {
		t.Errorf("Open() = %q", got)
	}

	click := urls.Click(id, "https://example.com/sale?ref=1")
	if !strings.HasPrefix(click, "https://track.example.com/email/click/f4a7c0de-0000-4000-8000-000000000001?url=") {
		t.Errorf("Click() = %q", click)
	}
	if !strings.Contains(click, "https%3A%2F%2Fexample.com%2Fsale%3Fref%3D1") {
		t.Errorf("Click() target not escaped: %q", click)
	}

	unsub := urls.Unsubscribe("user@example.com", id)
	if !strings.Contains(unsub, "email=user%40example.com") || !strings.Contains(unsub, "token=") {
		t.Errorf("Unsubscribe() = %q", unsub)
	}
	if !strings.Contains(unsub, "tid="+id.String()) {
		t.Errorf("Unsubscribe() missing tid: %q", unsub)
	}
	if strings.Contains(urls.Unsubscribe("user@example.com", uuid.Nil), "tid=") {
		t.Error("Unsubscribe() with nil tid should omit the tid parameter")
	}
}

func TestURLsOnlyCarryTrackingID(t *testing.T) {
	signer := NewSigner("test-secret", "acme")
	urls := NewURLs("https://track.example.com", signer)

	send := campaign.Send{ID: uuid.New(), CampaignID: uuid.New(), TrackingID: uuid.New(), Email: "user@example.com"}
	for name, u := range map[string]string{
		"open":        urls.Open(send.TrackingID),
		"click":       urls.Click(send.TrackingID, "https://example.com"),
		"unsubscribe": urls.Unsubscribe(send.Email, send.TrackingID),
	} {
		if strings.Contains(u, send.ID.String()) {
			t.Errorf("%s URL leaks the send row ID: %q", name, u)
		}
		if strings.Contains(u, send.CampaignID.String()) {
			t.Errorf("%s URL leaks the campaign ID: %q", name, u)
		}
	}
}
