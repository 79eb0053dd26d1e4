package store

import "time"

// Account is a gate-authorized sign-in identity. Rows exist for audit and
// last-seen tracking; authorization itself is decided by the email domain
// gate on every sign-in.
type Account struct {
	ID         string
	Email      string
	CreatedAt  time.Time
	LastSignIn time.Time
}

// SessionLink remembers the last backend-assigned session for a browser, so
// a request arriving without a session header can resume where the browser
// left off.
type SessionLink struct {
	BrowserID string
	SessionID string
	ExpiresAt time.Time
}

// StateSnapshot is the durable serialized state tree for one browser.
type StateSnapshot struct {
	BrowserID string
	Snapshot  []byte
	UpdatedAt time.Time
}
