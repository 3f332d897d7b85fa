package campaign

import (
	"context"
	"testing"
	"time"
)

type stubUnsubs struct {
	emails map[string]bool
}

func (s *stubUnsubs) IsUnsubscribed(_ context.Context, email string) (bool, error) {
	return s.emails[email], nil
}

type stubHistory struct {
	recent map[string]bool
}

func (s *stubHistory) WasRecentlyContacted(_ context.Context, email string, _ time.Duration) (bool, error) {
	return s.recent[email], nil
}

func TestCleanEmail(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"  user@example.com  ", "user@example.com"},
		{"<user@example.com>", "user@example.com"},
		{`"user@example.com"`, "user@example.com"},
		{"user@example.com\r\n", "user@example.com"},
		{"us er@example.com", "user@example.com"},
		{"user@example.com\x00", "user@example.com"},
		{"User@Example.COM", "user@example.com"},
	}

	for _, tt := range tests {
		if got := CleanEmail(tt.raw); got != tt.want {
			t.Errorf("CleanEmail(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestValidEmail(t *testing.T) {
	tests := []struct {
		email string
		want  bool
	}{
		{"user@example.com", true},
		{"first.last+tag@sub.example.co.uk", true},
		{"", false},
		{"no-at-sign", false},
		{"two@@example.com", false},
		{"@example.com", false},
		{"user@nodot", false},
	}

	for _, tt := range tests {
		if got := ValidEmail(tt.email); got != tt.want {
			t.Errorf("ValidEmail(%q) = %v, want %v", tt.email, got, tt.want)
		}
	}
}

func TestFilterApply(t *testing.T) {
	filter := NewFilter(
		&stubUnsubs{emails: map[string]bool{"a@x.com": true}},
		&stubHistory{recent: map[string]bool{"c@x.com": true}},
		72*time.Hour,
	)

	candidates := []Candidate{
		{Email: "a@x.com"},
		{Email: "A@X.COM"}, // duplicate of the first, dropped silently
		{Email: "b@x.com"},
		{Email: "c@x.com"},
		{Email: "not-an-email"},
		{Email: "flagged@x.com", Invalid: true},
	}

	accepted, skipped, err := filter.Apply(context.Background(), candidates)
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}

	if len(accepted) != 1 || accepted[0].Email != "b@x.com" {
		t.Errorf("accepted = %v, want only b@x.com", accepted)
	}

	wantSkips := map[string]string{
		"a@x.com":       SkipUnsubscribed,
		"c@x.com":       SkipDuplicate,
		"not-an-email":  SkipInvalid,
		"flagged@x.com": SkipInvalid,
	}
	if len(skipped) != len(wantSkips) {
		t.Fatalf("skipped = %d entries, want %d: %v", len(skipped), len(wantSkips), skipped)
	}
	for _, skip := range skipped {
		if want, ok := wantSkips[skip.Email]; !ok || skip.Reason != want {
			t.Errorf("skip %q reason = %q, want %q", skip.Email, skip.Reason, want)
		}
	}
}

func TestFilterApplyWindowSkipsDirectoryRecipients(t *testing.T) {
	filter := NewFilter(
		nil,
		&stubHistory{recent: map[string]bool{"a@x.com": true, "b@x.com": true}},
		72*time.Hour,
	)

	id := int64(7)
	accepted, skipped, err := filter.Apply(context.Background(), []Candidate{
		{RecipientID: &id, Email: "a@x.com"},
		{Email: "b@x.com"},
	})
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if len(accepted) != 1 || accepted[0].Email != "a@x.com" {
		t.Errorf("accepted = %v, directory recipients bypass the contact window", accepted)
	}
	if len(skipped) != 1 || skipped[0].Reason != SkipDuplicate {
		t.Errorf("skipped = %v, imported address should hit the window", skipped)
	}
}

func TestFilterApplyDedupFirstWins(t *testing.T) {
	filter := NewFilter(nil, nil, 0)

	accepted, skipped, err := filter.Apply(context.Background(), []Candidate{
		{Email: "User@example.com", Name: "First"},
		{Email: "user@example.com", Name: "Second"},
	})
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if len(skipped) != 0 {
		t.Errorf("skipped = %v, duplicates should be dropped not skipped", skipped)
	}
	if len(accepted) != 1 || accepted[0].Name != "First" {
		t.Errorf("accepted = %v, first occurrence must win", accepted)
	}
}

func TestFilterRunDedupAcrossBatches(t *testing.T) {
	run := NewFilter(nil, nil, 0).NewRun()

	first, _, err := run.Apply(context.Background(), []Candidate{{Email: "a@x.com"}, {Email: "b@x.com"}})
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	second, skipped, err := run.Apply(context.Background(), []Candidate{{Email: "A@X.COM"}, {Email: "c@x.com"}})
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}

	if len(first) != 2 || len(second) != 1 || second[0].Email != "c@x.com" {
		t.Errorf("accepted = %v then %v, duplicate must be dropped across batches", first, second)
	}
	if len(skipped) != 0 {
		t.Errorf("skipped = %v, cross-batch duplicates are dropped silently", skipped)
	}
}

func TestParseAddressText(t *testing.T) {
	text := "a@x.com\nb@x.com, c@x.com; d@x.com\n\nJane Doe <jane@x.com>"

	candidates := ParseAddressText(text)
	if len(candidates) != 5 {
		t.Fatalf("got %d candidates, want 5: %v", len(candidates), candidates)
	}
	if candidates[4].Name != "Jane Doe" {
		t.Errorf("name = %q, want %q", candidates[4].Name, "Jane Doe")
	}
	if candidates[4].Email != "jane@x.com" {
		t.Errorf("email = %q, want bare address", candidates[4].Email)
	}
	if candidates[0].Email != "a@x.com" || candidates[3].Email != "d@x.com" {
		t.Errorf("delimiter split wrong: %v", candidates)
	}
}
