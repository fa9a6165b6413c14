package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"os"

	"github.com/domodwyer/mailyak/v3"
)

// sendMailyak renders m with mailyak and runs the SMTP exchange on a
// connection bound to ctx: the deadline covers every read and write, and
// cancellation closes the socket. Once it returns, nothing is left sending.
func sendMailyak(ctx context.Context, m Outgoing) error {
	msg, err := renderMIME(m)
	if err != nil {
		return err
	}
	return smtpExchange(ctx, m, msg)
}

func renderMIME(m Outgoing) (*bytes.Buffer, error) {
	// The transport below is ours; mailyak only builds the message.
	mail := mailyak.New(m.Addr, nil)
	mail.To(m.To)
	mail.From(m.From)
	mail.FromName(m.FromName)
	mail.Subject(m.Subject)
	mail.Plain().Set(m.Body)
	return mail.MimeBuf()
}

func smtpExchange(ctx context.Context, m Outgoing, msg *bytes.Buffer) (err error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", m.Addr)
	if err != nil {
		return err
	}
	defer func() { _ = raw.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = raw.Close() })
	defer stop()
	defer func() {
		switch {
		case err == nil:
		case ctx.Err() != nil:
			err = ctx.Err()
		case errors.Is(err, os.ErrDeadlineExceeded):
			// The socket deadline is ctx's deadline.
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
	}()

	if dl, ok := ctx.Deadline(); ok {
		if err := raw.SetDeadline(dl); err != nil {
			return err
		}
	}
	conn := raw
	if m.TLS {
		tc := tls.Client(raw, &tls.Config{ServerName: m.Host, MinVersion: tls.VersionTLS12})
		if err := tc.HandshakeContext(ctx); err != nil {
			return err
		}
		conn = tc
	}

	c, err := smtp.NewClient(conn, m.Host)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	if !m.TLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: m.Host, MinVersion: tls.VersionTLS12}); err != nil {
				return err
			}
		}
	}
	if m.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", m.Username, m.Password, m.Host)); err != nil {
			return err
		}
	}
	if err := c.Mail(m.From); err != nil {
		return err
	}
	if err := c.Rcpt(m.To); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := msg.WriteTo(w); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}
