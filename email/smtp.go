package email

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"gopkg.in/gomail.v2"
)

// SMTPConfig configures an SMTP Emailer, grounded on the teacher's
// SmtpEmailerConfig (email/smtp.go).
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
}

// NewSMTPEmailer builds an Emailer backed by gopkg.in/gomail.v2. If Port is
// zero, Host is parsed as "host:port" for backward compatibility with the
// teacher's config shape.
func NewSMTPEmailer(cfg SMTPConfig) (Emailer, error) {
	host, port := cfg.Host, cfg.Port
	if port == 0 {
		hostStr, portStr, err := net.SplitHostPort(cfg.Host)
		if err != nil {
			return nil, fmt.Errorf("email: %q must be in \"host:port\" form: %w", cfg.Host, err)
		}
		host = hostStr
		if port, err = strconv.Atoi(portStr); err != nil {
			return nil, fmt.Errorf("email: parsing port from %q: %w", cfg.Host, err)
		}
	}

	if (cfg.Username == "") != (cfg.Password == "") {
		return nil, errors.New("email: must provide both username and password, or neither")
	}

	var dialer *gomail.Dialer
	if cfg.Username == "" {
		dialer = &gomail.Dialer{Host: host, Port: port, SSL: port == 465}
	} else {
		dialer = gomail.NewPlainDialer(host, port, cfg.Username, cfg.Password)
	}
	return &smtpEmailer{dialer: dialer}, nil
}

type smtpEmailer struct {
	dialer *gomail.Dialer
}

func (e *smtpEmailer) SendMail(from, subject, text, html string, to ...string) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", from)
	msg.SetHeader("To", to...)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", text)
	if html != "" {
		msg.AddAlternative("text/html", html)
	}
	return e.dialer.DialAndSend(msg)
}
