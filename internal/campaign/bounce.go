package campaign

import "strings"

// bouncePatterns are substrings of SMTP errors that indicate the mailbox
// itself is bad, as opposed to a transient delivery problem. Matching is
// case-insensitive.
var bouncePatterns = []string{
	"550",
	"551",
	"552",
	"553",
	"554",
	"does not exist",
	"user unknown",
	"no such user",
	"mailbox not found",
	"recipient rejected",
	"address rejected",
	"invalid recipient",
	"undeliverable",
}

// IsBounce reports whether a delivery error message indicates a permanent
// mailbox failure. Bounced sends are never retried and flag the recipient
// as invalid in the directory.
func IsBounce(errMsg string) bool {
	lower := strings.ToLower(errMsg)
	for _, pattern := range bouncePatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
