package storage

import "time"

// Session is a tenant record. Field names follow the persisted contract;
// credentials are opaque strings owned by the session registry.
type Session struct {
	SessionName       string     `json:"sessionName" db:"session_name"`
	Password          string     `json:"password" db:"password"`
	SecretKey         string     `json:"secretKey" db:"secret_key"`
	RetryInterval     int64      `json:"retryInterval" db:"retry_interval"` // milliseconds
	MaxRetryLimit     int        `json:"maxRetryLimit" db:"max_retry_limit"`
	MessageExpiryTime *int64     `json:"messageExpiryTime,omitempty" db:"message_expiry_time"` // milliseconds, nil = no expiry
	SessionExpiry     *time.Time `json:"sessionExpiry,omitempty" db:"session_expiry"`
	Suspended         bool       `json:"suspended" db:"suspended"`
	NotifierConfig    string     `json:"notifierConfig,omitempty" db:"notifier_config"`
	CreatedAt         time.Time  `json:"createdAt" db:"created_at"`
}

// Expired reports whether the session's expiry, if set, has passed.
func (s *Session) Expired(now time.Time) bool {
	return s.SessionExpiry != nil && s.SessionExpiry.Before(now)
}

// Sanitized returns a copy with credentials blanked, for listing surfaces.
func (s Session) Sanitized() Session {
	s.Password = ""
	s.SecretKey = ""
	return s
}

// SessionPatch is a partial update applied by UpdateSession. Nil fields
// are left unchanged.
type SessionPatch struct {
	Suspended         *bool
	RetryInterval     *int64
	MaxRetryLimit     *int
	MessageExpiryTime *int64
	SessionExpiry     *time.Time
	NotifierConfig    *string
}

// Message is a cached publish awaiting acknowledgement. Identity is the
// pair (SessionName, MessageID); payload and hash are opaque to the
// broker. PublishedAt is broker time, Timestamp the client's own stamp
// relayed verbatim.
type Message struct {
	MessageID     string     `json:"messageId" db:"message_id"`
	SessionName   string     `json:"sessionName" db:"session_name"`
	Topic         string     `json:"topic" db:"topic"`
	Data          string     `json:"data" db:"data"`
	Hash          string     `json:"hash" db:"hash"`
	Timestamp     int64      `json:"timestamp" db:"timestamp"`
	Type          string     `json:"type" db:"type"`
	RetryCount    int        `json:"retryCount" db:"retry_count"`
	ExpiryTime    *time.Time `json:"expiryTime,omitempty" db:"expiry_time"`
	MaxRetryLimit int        `json:"maxRetryLimit" db:"max_retry_limit"`
	RetryInterval int64      `json:"retryInterval" db:"retry_interval"` // milliseconds
	PublishedAt   time.Time  `json:"publishedAt" db:"published_at"`
}

// Expired reports whether the message's expiry, if set, has been reached.
func (m *Message) Expired(now time.Time) bool {
	return m.ExpiryTime != nil && !now.Before(*m.ExpiryTime)
}

// DeviceToken is an opaque push-notification handle registered by a
// client for a (session, user, device) triple.
type DeviceToken struct {
	SessionName string    `json:"sessionName" db:"session_name"`
	UserID      string    `json:"userId" db:"user_id"`
	DeviceID    string    `json:"deviceId" db:"device_id"`
	Token       string    `json:"token" db:"token"`
	Platform    string    `json:"platform" db:"platform"`
	UpdatedAt   time.Time `json:"updatedAt" db:"updated_at"`
}

// CleanupStats reports what an expiry sweep removed.
type CleanupStats struct {
	// Sessions lists the names of sessions removed because their
	// sessionExpiry passed; callers quiesce their live state.
	Sessions []string
	// Messages counts expired message rows removed.
	Messages int
}
