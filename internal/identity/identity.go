package identity

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	// ErrNoEmail means the sign-in assertion carried no usable email claim.
	ErrNoEmail = errors.New("no email claim")
	// ErrAccessDenied means the email is outside the allowed domain.
	ErrAccessDenied = errors.New("access denied")
)

// Rejection reason kinds surfaced on the error page query string.
const (
	ReasonNoEmail      = "no_email"
	ReasonAccessDenied = "access_denied"
)

// Gate decides which sign-in assertions may become sessions and where a
// finished sign-in is allowed to redirect.
type Gate struct {
	suffix string
	origin *url.URL
}

// NewGate builds a gate for one allowed email suffix and one trusted app
// origin. An empty suffix is refused outright: it would match every email.
func NewGate(allowedSuffix, appOrigin string) (*Gate, error) {
	suffix := strings.ToLower(strings.TrimSpace(allowedSuffix))
	if suffix == "" {
		return nil, errors.New("allowed email suffix is required")
	}
	origin, err := url.Parse(strings.TrimSpace(appOrigin))
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("invalid app origin %q", appOrigin)
	}
	origin.Path = strings.TrimRight(origin.Path, "/")
	return &Gate{suffix: suffix, origin: origin}, nil
}

// Authorize picks the primary email claim, falling back to the profile email,
// and requires the lowercased result to end with the configured suffix.
// It returns the normalized email on success.
func (g *Gate) Authorize(primary, profile string) (string, error) {
	email := strings.TrimSpace(primary)
	if email == "" {
		email = strings.TrimSpace(profile)
	}
	if email == "" {
		return "", ErrNoEmail
	}
	email = strings.ToLower(email)
	if !strings.HasSuffix(email, g.suffix) {
		return "", ErrAccessDenied
	}
	return email, nil
}

// Reason maps a rejection error to its query string kind.
func Reason(err error) string {
	if errors.Is(err, ErrNoEmail) {
		return ReasonNoEmail
	}
	return ReasonAccessDenied
}

// Origin returns the trusted app origin as an absolute URL string.
func (g *Gate) Origin() string {
	return g.origin.Scheme + "://" + g.origin.Host + g.origin.Path
}

// ResolveRedirect collapses an untrusted post-login target onto the app
// origin. A single-slash relative path resolves against the origin, an
// absolute URL passes through only when scheme and host match the origin
// exactly, and everything else (including protocol-relative //host forms)
// falls back to the origin itself.
func (g *Gate) ResolveRedirect(target string) string {
	target = strings.TrimSpace(target)
	if target == "" {
		return g.Origin()
	}
	if strings.HasPrefix(target, "/") && !strings.HasPrefix(target, "//") {
		return g.Origin() + target
	}
	parsed, err := url.Parse(target)
	if err != nil {
		return g.Origin()
	}
	if parsed.Scheme == g.origin.Scheme && strings.EqualFold(parsed.Host, g.origin.Host) {
		return target
	}
	return g.Origin()
}

// RejectionRedirect builds the error page URL for a refused sign-in.
func (g *Gate) RejectionRedirect(err error) string {
	return g.Origin() + "/auth/error?reason=" + Reason(err)
}
