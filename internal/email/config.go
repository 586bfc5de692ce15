// Package email sends agent-composed messages over SMTP. Bodies are
// written in markdown and delivered as multipart/alternative with both
// plain text and HTML parts.
package email

// SMTPConfig holds SMTP delivery settings.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// From is the default sender (e.g., "Scribe <scribe@example.org>").
	From string `yaml:"from"`

	// StartTLS selects plain-then-upgrade (port 587) instead of
	// implicit TLS (port 465).
	StartTLS bool `yaml:"starttls"`
}

// Configured reports whether enough is set to attempt delivery.
func (c SMTPConfig) Configured() bool {
	return c.Host != "" && c.Port != 0 && c.From != ""
}
