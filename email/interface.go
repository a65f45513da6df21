// Package email delivers the verification codes, reset tokens and magic
// links the auth services mint, per spec §6's "opaque email delivery
// collaborator" framing. The collaborator is an Emailer; localauth and
// magiclink never import this package directly, so a deployment can swap
// in any Emailer without touching the auth services.
package email

import (
	"fmt"
	"strings"
)

// Emailer sends a single email to one or more recipients.
type Emailer interface {
	SendMail(from, subject, text, html string, to ...string) error
}

// FakeEmailer writes mail to stdout. Development and tests only.
type FakeEmailer struct{}

func (FakeEmailer) SendMail(from, subject, text, html string, to ...string) error {
	fmt.Printf("From: %s\nTo: %s\nSubject: %s\n\n%s\n", from, strings.Join(to, ","), subject, text)
	return nil
}
