package campaign

import (
	"context"
	"net/mail"
	"strings"
	"time"
	"unicode"
)

// Candidate is a recipient proposed for a campaign before filtering
type Candidate struct {
	RecipientID *int64
	Email       string
	Name        string
	Invalid     bool
}

// SkippedCandidate is a candidate rejected by the filter, with the reason
// that will be recorded on its skipped send row
type SkippedCandidate struct {
	Candidate
	Reason string
}

// UnsubscribeChecker reports whether an address has opted out
type UnsubscribeChecker interface {
	IsUnsubscribed(ctx context.Context, email string) (bool, error)
}

// ContactHistory answers dedup questions against prior sends
type ContactHistory interface {
	// WasRecentlyContacted reports whether the address got any sent or opened
	// send within the window
	WasRecentlyContacted(ctx context.Context, email string, window time.Duration) (bool, error)
}

// Filter applies the recipient acceptance rules in a fixed order:
// in-batch dedup (first occurrence wins), syntax, directory invalid flag,
// unsubscribe list, then the recent-contact window for imported addresses.
type Filter struct {
	unsubs  UnsubscribeChecker
	history ContactHistory
	window  time.Duration
}

// NewFilter builds a filter. A zero window disables the recent-contact
// check; a nil history does too.
func NewFilter(unsubs UnsubscribeChecker, history ContactHistory, window time.Duration) *Filter {
	return &Filter{unsubs: unsubs, history: history, window: window}
}

// CleanEmail lowercases a raw address and strips whitespace, control
// characters, angle brackets and quotes. Imported lists routinely carry
// all of these.
func CleanEmail(raw string) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return -1
		}
		switch r {
		case '<', '>', '"', '\'':
			return -1
		}
		return r
	}, raw)
	return strings.ToLower(cleaned)
}

// ValidEmail reports whether the cleaned address is syntactically plausible
func ValidEmail(email string) bool {
	if email == "" || strings.Count(email, "@") != 1 {
		return false
	}
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return false
	}
	// ParseAddress accepts display names; we only want the bare address
	if addr.Address != email {
		return false
	}
	local, domain, _ := strings.Cut(email, "@")
	return local != "" && strings.Contains(domain, ".")
}

// Apply runs the filter over a batch of candidates. Emails are cleaned
// in place; skipped candidates carry the reason for their rejection.
// Duplicates within the batch are dropped entirely rather than skipped,
// so a recipient never receives two rows in the same campaign.
func (f *Filter) Apply(ctx context.Context, candidates []Candidate) ([]Candidate, []SkippedCandidate, error) {
	return f.NewRun().Apply(ctx, candidates)
}

// Run is one filtering pass. It exists separately from Filter so a pass
// can span multiple batches of a streamed directory while keeping a
// single dedup set.
type Run struct {
	f    *Filter
	seen map[string]bool
}

// NewRun starts a filtering pass with an empty dedup set
func (f *Filter) NewRun() *Run {
	return &Run{f: f, seen: make(map[string]bool)}
}

// Apply filters one batch. Duplicates are tracked across every batch
// this run has seen.
func (r *Run) Apply(ctx context.Context, candidates []Candidate) ([]Candidate, []SkippedCandidate, error) {
	f := r.f
	accepted := make([]Candidate, 0, len(candidates))
	var skipped []SkippedCandidate

	for _, cand := range candidates {
		cand.Email = CleanEmail(cand.Email)
		if r.seen[cand.Email] {
			continue
		}
		r.seen[cand.Email] = true

		if !ValidEmail(cand.Email) {
			skipped = append(skipped, SkippedCandidate{Candidate: cand, Reason: SkipInvalid})
			continue
		}
		if cand.Invalid {
			skipped = append(skipped, SkippedCandidate{Candidate: cand, Reason: SkipInvalid})
			continue
		}

		if f.unsubs != nil {
			unsubbed, err := f.unsubs.IsUnsubscribed(ctx, cand.Email)
			if err != nil {
				return nil, nil, err
			}
			if unsubbed {
				skipped = append(skipped, SkippedCandidate{Candidate: cand, Reason: SkipUnsubscribed})
				continue
			}
		}

		// The recent-contact window only guards imported lists; directory
		// recipients arrive with a RecipientID and skip it.
		if cand.RecipientID == nil && f.history != nil && f.window > 0 {
			recent, err := f.history.WasRecentlyContacted(ctx, cand.Email, f.window)
			if err != nil {
				return nil, nil, err
			}
			if recent {
				skipped = append(skipped, SkippedCandidate{Candidate: cand, Reason: SkipDuplicate})
				continue
			}
		}

		accepted = append(accepted, cand)
	}

	return accepted, skipped, nil
}

// ParseAddressText extracts candidates from free text: one address per
// line, or comma/semicolon separated. "Name <addr>" forms keep the
// display name and reduce to the bare address.
func ParseAddressText(text string) []Candidate {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == '\n' || r == '\r' || r == ',' || r == ';'
	})

	candidates := make([]Candidate, 0, len(fields))
	for _, field := range fields {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		cand := Candidate{Email: field}
		if addr, err := mail.ParseAddress(field); err == nil {
			cand.Email = addr.Address
			cand.Name = addr.Name
		}
		candidates = append(candidates, cand)
	}
	return candidates
}
