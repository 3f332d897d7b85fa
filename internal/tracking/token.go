// Package tracking serves the public endpoints embedded in outgoing
// email: the open pixel, click redirects and unsubscribe links. These
// URLs land in the wild, so everything here is stateless and validates
// its input cryptographically or treats it as untrusted noise.
package tracking

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// Signer mints and verifies unsubscribe tokens. A token is the HMAC of
// the recipient address bound to the tenant, so tokens cannot be moved
// between addresses or installations and no per-recipient state is
// needed to honor a years-old link.
type Signer struct {
	secret []byte
	tenant string
}

// NewSigner creates a token signer
func NewSigner(secret, tenant string) *Signer {
	return &Signer{secret: []byte(secret), tenant: tenant}
}

// UnsubscribeToken returns the opaque token for an address. The address
// is lowercased first so a recipient's token is stable regardless of how
// their address was cased on import.
func (s *Signer) UnsubscribeToken(email string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(strings.ToLower(email) + "|" + s.tenant))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyUnsubscribeToken checks a token against an address in constant
// time
func (s *Signer) VerifyUnsubscribeToken(email, token string) bool {
	got, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(strings.ToLower(email) + "|" + s.tenant))
	return hmac.Equal(got, mac.Sum(nil))
}

// URLs builds the public tracking URLs for a send
type URLs struct {
	Base   string
	signer *Signer
}

// NewURLs creates a URL builder rooted at the tracking server's public
// base URL
func NewURLs(base string, signer *Signer) *URLs {
	return &URLs{Base: strings.TrimRight(base, "/"), signer: signer}
}

// Open returns the tracking pixel URL for a send
func (u *URLs) Open(trackingID uuid.UUID) string {
	return fmt.Sprintf("%s/email/track/%s", u.Base, trackingID)
}

// Click returns the redirect URL wrapping target for a send
func (u *URLs) Click(trackingID uuid.UUID, target string) string {
	return fmt.Sprintf("%s/email/click/%s?url=%s", u.Base, trackingID, url.QueryEscape(target))
}

// Unsubscribe returns the signed opt-out URL for an address. tid ties
// the opt-out back to the send that carried the link and may be uuid.Nil.
// The tracking ID is the only send identifier that ever appears in a
// public URL; row IDs stay internal.
func (u *URLs) Unsubscribe(email string, tid uuid.UUID) string {
	v := url.Values{}
	v.Set("email", email)
	v.Set("token", u.signer.UnsubscribeToken(email))
	if tid != uuid.Nil {
		v.Set("tid", tid.String())
	}
	return fmt.Sprintf("%s/email/unsubscribe?%s", u.Base, v.Encode())
}
