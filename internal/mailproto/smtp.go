package mailproto

import (
	"context"
	"errors"
	"net"
	"net/smtp"
	"time"
)

// SubmitConn is an authenticated-submission SMTP session.
type SubmitConn struct {
	conn    net.Conn
	client  *smtp.Client
	timeout time.Duration
}

// DialSubmit connects to the submission endpoint and reads the greeting.
func DialSubmit(ctx context.Context, addr string, timeout time.Duration) (*SubmitConn, error) {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, wrapIO("dial", err)
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	_ = conn.SetDeadline(time.Now().Add(timeout))
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return nil, wrapSMTP("greeting", err)
	}
	if err := client.Hello("localhost"); err != nil {
		conn.Close()
		return nil, wrapSMTP("ehlo", err)
	}
	return &SubmitConn{conn: conn, client: client, timeout: timeout}, nil
}

// Auth authenticates with AUTH PLAIN.
//
// net/smtp's PlainAuth refuses cleartext connections to non-local hosts;
// test servers run without TLS, so the mechanism is implemented here.
func (s *SubmitConn) Auth(user, pass string) error {
	_ = s.conn.SetDeadline(time.Now().Add(s.timeout))
	return wrapSMTP("auth", s.client.Auth(plainAuth{username: user, password: pass}))
}

// Send submits one message.
func (s *SubmitConn) Send(from string, to []string, msg []byte) error {
	_ = s.conn.SetDeadline(time.Now().Add(s.timeout))
	if err := s.client.Mail(from); err != nil {
		return wrapSMTP("mail", err)
	}
	for _, rcpt := range to {
		if err := s.client.Rcpt(rcpt); err != nil {
			return wrapSMTP("rcpt", err)
		}
	}
	w, err := s.client.Data()
	if err != nil {
		return wrapSMTP("data", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return wrapSMTP("data", err)
	}
	return wrapSMTP("data", w.Close())
}

// Quit sends QUIT and closes the connection.
func (s *SubmitConn) Quit() error {
	_ = s.conn.SetDeadline(time.Now().Add(s.timeout))
	err := s.client.Quit()
	s.conn.Close()
	return wrapSMTP("quit", err)
}

// Close drops the connection without QUIT.
func (s *SubmitConn) Close() error {
	return s.conn.Close()
}

type plainAuth struct {
	username string
	password string
}

func (a plainAuth) Start(_ *smtp.ServerInfo) (string, []byte, error) {
	return "PLAIN", []byte("\x00" + a.username + "\x00" + a.password), nil
}

func (a plainAuth) Next(_ []byte, more bool) ([]byte, error) {
	if more {
		return nil, errors.New("unexpected server challenge")
	}
	return nil, nil
}
