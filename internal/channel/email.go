package channel

import (
	"context"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Email delivers over SMTP with PLAIN auth when credentials are configured.
type Email struct {
	host     string
	port     int
	username string
	password string
	from     string
	sendMail sendMailFunc
}

func NewEmail(host string, port int, username, password, from string) *Email {
	return &Email{host: host, port: port, username: username, password: password, from: from, sendMail: smtp.SendMail}
}

func (e *Email) Name() string { return "email" }

func (e *Email) Send(ctx context.Context, msg Message) (Receipt, error) {
	to, err := mail.ParseAddress(msg.To)
	if err != nil {
		return Receipt{}, &PermanentError{Reason: "invalid recipient address", Err: err}
	}
	from, err := mail.ParseAddress(e.from)
	if err != nil {
		return Receipt{}, fmt.Errorf("invalid sender address: %w", err)
	}
	id := uuid.NewString()
	domain := from.Address[strings.LastIndexByte(from.Address, '@')+1:]

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from.String())
	fmt.Fprintf(&b, "To: %s\r\n", (&mail.Address{Name: msg.RecipientName, Address: to.Address}).String())
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&b, "Message-ID: <%s@%s>\r\n", id, domain)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Transfer-Encoding: 8bit\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))

	var auth smtp.Auth
	if e.username != "" {
		auth = smtp.PlainAuth("", e.username, e.password, e.host)
	}
	addr := net.JoinHostPort(e.host, strconv.Itoa(e.port))

	// net/smtp has no context support; the caller's deadline still bounds how long we wait.
	done := make(chan error, 1)
	go func() { done <- e.sendMail(addr, auth, from.Address, []string{to.Address}, []byte(b.String())) }()
	select {
	case <-ctx.Done():
		return Receipt{}, ctx.Err()
	case err := <-done:
		if err != nil {
			if strings.HasPrefix(err.Error(), "55") {
				return Receipt{}, &PermanentError{Reason: "mail server rejected recipient", Err: err}
			}
			return Receipt{}, fmt.Errorf("smtp send: %w", err)
		}
	}
	return Receipt{Provider: e.Name(), ProviderMessageID: id}, nil
}
