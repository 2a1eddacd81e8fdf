package model

// ConnState is the connection lifecycle state of one account's
// protocol session.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateAuthenticating
	StateIdle
	StateSyncing
)

// String renders the state for status display and logging.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAuthenticating:
		return "authenticating"
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	default:
		return "unknown"
	}
}

// AuthMethod selects how the session authenticates.
type AuthMethod string

const (
	AuthPassword AuthMethod = "password"
	AuthOAuth2   AuthMethod = "oauth2"
)

// Account is one configured mailbox identity. The email address doubles
// as the account id. Credentials are never stored here; the session
// actor acquires an opaque auth handle from the credential supplier.
type Account struct {
	// Email is the account identity and id.
	Email string `mapstructure:"email" yaml:"email"`

	// Name is an optional display label.
	Name string `mapstructure:"name" yaml:"name"`

	IMAPHost string `mapstructure:"imap_host" yaml:"imap_host"`
	IMAPPort string `mapstructure:"imap_port" yaml:"imap_port"`
	SMTPHost string `mapstructure:"smtp_host" yaml:"smtp_host"`
	SMTPPort string `mapstructure:"smtp_port" yaml:"smtp_port"`

	// TLS selects implicit TLS; when false the client upgrades via
	// STARTTLS.
	TLS bool `mapstructure:"tls" yaml:"tls"`

	Auth AuthMethod `mapstructure:"auth" yaml:"auth"`
}
