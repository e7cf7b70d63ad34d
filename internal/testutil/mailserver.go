package testutil

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/roach88/idleprobe/internal/model"
)

// FakeDomain is the address domain accepted by MailServer.
const FakeDomain = "[127.0.0.1]"

// Hooks inject misbehaviour into a MailServer. Every hook is optional and
// receives the lower-cased principal. Hooks run under the server lock and
// must not call back into the server.
type Hooks struct {
	// RejectLogin fails AUTH and LOGIN for matching principals.
	RejectLogin func(principal string) bool

	// NotifyBeforeCommit makes delivery announce EXISTS to IDLE sessions
	// before the message is stored. The message becomes visible after
	// CommitDelay (default 2s). This is the race the harness hunts for.
	NotifyBeforeCommit func(principal string) bool
	CommitDelay        time.Duration

	// RefuseIdle answers IDLE with a tagged NO.
	RefuseIdle func(principal string) bool

	// StallIdle never answers IDLE.
	StallIdle func(principal string) bool

	// FailSearch and FailFetch answer SEARCH and FETCH with a tagged NO.
	FailSearch func(principal string) bool
	FailFetch  func(principal string) bool

	// DropDelivery closes the SMTP connection after DATA instead of
	// accepting the message. attempt counts DATA commands for rcpt, from 1.
	DropDelivery func(rcpt string, attempt int) bool
}

// MailServer is an in-process IMAP4rev1 + SMTP submission server covering
// the commands the harness issues. Accounts are created on first login.
type MailServer struct {
	hooks  Hooks
	smtpLn net.Listener
	imapLn net.Listener

	mu       sync.Mutex
	accounts map[string]string
	boxes    map[string]*mailbox
	attempts map[string]int
	conns    map[net.Conn]struct{}

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type mailbox struct {
	msgs     [][]byte
	watchers map[chan int]struct{}
}

func (b *mailbox) notify(n int) {
	for ch := range b.watchers {
		select {
		case ch <- n:
		default:
		}
	}
}

// StartMailServer starts a server on loopback ports and registers Close
// with t.Cleanup.
func StartMailServer(t testing.TB, hooks Hooks) *MailServer {
	t.Helper()

	smtpLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen smtp: %v", err)
	}
	imapLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		smtpLn.Close()
		t.Fatalf("listen imap: %v", err)
	}

	s := &MailServer{
		hooks:    hooks,
		smtpLn:   smtpLn,
		imapLn:   imapLn,
		accounts: make(map[string]string),
		boxes:    make(map[string]*mailbox),
		attempts: make(map[string]int),
		conns:    make(map[net.Conn]struct{}),
		closed:   make(chan struct{}),
	}
	s.wg.Add(2)
	go s.accept(smtpLn, s.serveSMTP)
	go s.accept(imapLn, s.serveIMAP)

	t.Cleanup(s.Close)
	return s
}

// SMTPAddr is the submission listener address.
func (s *MailServer) SMTPAddr() string { return s.smtpLn.Addr().String() }

// IMAPAddr is the IMAP listener address.
func (s *MailServer) IMAPAddr() string { return s.imapLn.Addr().String() }

// Endpoints returns the server coordinates in harness form.
func (s *MailServer) Endpoints() model.Endpoints {
	return model.Endpoints{
		SubmitAddr:   s.SMTPAddr(),
		RetrieveAddr: s.IMAPAddr(),
		Domain:       FakeDomain,
	}
}

// Close stops both listeners and drops every open connection.
func (s *MailServer) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.smtpLn.Close()
		s.imapLn.Close()
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
	})
}

// Deliver stores msg in rcpt's INBOX and notifies idling sessions.
func (s *MailServer) Deliver(rcpt string, msg []byte) {
	rcpt = strings.ToLower(rcpt)
	s.mu.Lock()
	defer s.mu.Unlock()

	box := s.box(rcpt)
	if s.hooks.NotifyBeforeCommit != nil && s.hooks.NotifyBeforeCommit(rcpt) {
		box.notify(len(box.msgs) + 1)
		delay := s.hooks.CommitDelay
		if delay <= 0 {
			delay = 2 * time.Second
		}
		time.AfterFunc(delay, func() {
			s.mu.Lock()
			box.msgs = append(box.msgs, msg)
			s.mu.Unlock()
		})
		return
	}
	box.msgs = append(box.msgs, msg)
	box.notify(len(box.msgs))
}

// Messages returns a copy of principal's stored messages.
func (s *MailServer) Messages(principal string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	box, ok := s.boxes[strings.ToLower(principal)]
	if !ok {
		return nil
	}
	out := make([][]byte, len(box.msgs))
	copy(out, box.msgs)
	return out
}

// Accounts returns the number of accounts created so far.
func (s *MailServer) Accounts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accounts)
}

func (s *MailServer) accept(ln net.Listener, serve func(net.Conn)) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		select {
		case <-s.closed:
			s.mu.Unlock()
			conn.Close()
			return
		default:
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				conn.Close()
			}()
			serve(conn)
		}()
	}
}

// box must be called with s.mu held.
func (s *MailServer) box(principal string) *mailbox {
	b, ok := s.boxes[principal]
	if !ok {
		b = &mailbox{watchers: make(map[chan int]struct{})}
		s.boxes[principal] = b
	}
	return b
}

func (s *MailServer) login(user, pass string) bool {
	user = strings.ToLower(user)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hooks.RejectLogin != nil && s.hooks.RejectLogin(user) {
		return false
	}
	if secret, ok := s.accounts[user]; ok {
		return secret == pass
	}
	s.accounts[user] = pass
	s.box(user)
	return true
}

func (s *MailServer) hook(h func(string) bool, principal string) bool {
	if h == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return h(principal)
}

func (s *MailServer) serveSMTP(conn net.Conn) {
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	reply := func(lines ...string) {
		for _, l := range lines {
			w.WriteString(l + "\r\n")
		}
		w.Flush()
	}

	reply("220 fake.test ESMTP ready")
	var user string
	var rcpts []string
	for {
		line, err := readLine(r)
		if err != nil {
			return
		}
		verb, arg, _ := strings.Cut(line, " ")
		switch strings.ToUpper(verb) {
		case "EHLO":
			reply("250-fake.test", "250 AUTH PLAIN")
		case "HELO":
			reply("250 fake.test")
		case "AUTH":
			mech, initial, _ := strings.Cut(arg, " ")
			if !strings.EqualFold(mech, "PLAIN") || initial == "" {
				reply("504 5.5.4 mechanism not supported")
				continue
			}
			u, p, ok := decodePlain(initial)
			if !ok {
				reply("501 5.5.2 malformed credentials")
				continue
			}
			if !s.login(u, p) {
				reply("535 5.7.8 authentication failed")
				continue
			}
			user = strings.ToLower(u)
			reply("235 2.7.0 authentication successful")
		case "*":
			reply("501 5.0.0 authentication cancelled")
		case "MAIL":
			if user == "" {
				reply("530 5.7.0 authentication required")
				continue
			}
			rcpts = nil
			reply("250 2.1.0 ok")
		case "RCPT":
			if user == "" {
				reply("530 5.7.0 authentication required")
				continue
			}
			rcpts = append(rcpts, strings.ToLower(angleAddr(arg)))
			reply("250 2.1.5 ok")
		case "DATA":
			if len(rcpts) == 0 {
				reply("503 5.5.1 no recipients")
				continue
			}
			reply("354 end data with <CR><LF>.<CR><LF>")
			msg, err := readData(r)
			if err != nil {
				return
			}
			if s.dropDelivery(rcpts) {
				return
			}
			for _, rc := range rcpts {
				s.Deliver(rc, msg)
			}
			rcpts = nil
			reply("250 2.0.0 queued")
		case "RSET":
			rcpts = nil
			reply("250 2.0.0 ok")
		case "NOOP":
			reply("250 2.0.0 ok")
		case "QUIT":
			reply("221 2.0.0 bye")
			return
		default:
			reply("502 5.5.2 command not recognized")
		}
	}
}

func (s *MailServer) dropDelivery(rcpts []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	drop := false
	for _, rc := range rcpts {
		s.attempts[rc]++
		if s.hooks.DropDelivery != nil && s.hooks.DropDelivery(rc, s.attempts[rc]) {
			drop = true
		}
	}
	return drop
}

func (s *MailServer) serveIMAP(conn net.Conn) {
	w := bufio.NewWriter(conn)
	send := func(lines ...string) {
		for _, l := range lines {
			w.WriteString(l + "\r\n")
		}
		w.Flush()
	}

	done := make(chan struct{})
	defer close(done)
	lines := make(chan string)
	go func() {
		defer close(lines)
		r := bufio.NewReader(conn)
		for {
			line, err := readLine(r)
			if err != nil {
				return
			}
			select {
			case lines <- line:
			case <-done:
				return
			}
		}
	}()

	send("* OK [CAPABILITY IMAP4rev1 IDLE] fake.test ready")
	var user string
	for {
		var line string
		select {
		case l, ok := <-lines:
			if !ok {
				return
			}
			line = l
		case <-s.closed:
			return
		}

		tag, rest, _ := strings.Cut(line, " ")
		cmd, arg, _ := strings.Cut(rest, " ")
		cmd = strings.ToUpper(cmd)

		switch cmd {
		case "CAPABILITY":
			send("* CAPABILITY IMAP4rev1 IDLE", tag+" OK CAPABILITY completed")
			continue
		case "NOOP":
			send(tag + " OK NOOP completed")
			continue
		case "LOGOUT":
			send("* BYE logging out", tag+" OK LOGOUT completed")
			return
		case "LOGIN":
			args := parseIMAPArgs(arg)
			if len(args) != 2 || !s.login(args[0], args[1]) {
				send(tag + " NO [AUTHENTICATIONFAILED] invalid credentials")
				continue
			}
			user = strings.ToLower(args[0])
			send(tag + " OK LOGIN completed")
			continue
		}

		if user == "" {
			send(tag + " NO not authenticated")
			continue
		}

		switch cmd {
		case "SELECT", "EXAMINE":
			n := len(s.Messages(user))
			send(fmt.Sprintf("* %d EXISTS", n), "* 0 RECENT", tag+" OK [READ-WRITE] SELECT completed")
		case "SEARCH":
			if s.hook(s.hooks.FailSearch, user) {
				send(tag + " NO SEARCH failed")
				continue
			}
			out := "* SEARCH"
			for i := range s.Messages(user) {
				out += " " + strconv.Itoa(i+1)
			}
			send(out, tag+" OK SEARCH completed")
		case "FETCH":
			if s.hook(s.hooks.FailFetch, user) {
				send(tag + " NO FETCH failed")
				continue
			}
			seqText, _, _ := strings.Cut(arg, " ")
			seq, err := strconv.Atoi(seqText)
			msgs := s.Messages(user)
			if err != nil || seq < 1 || seq > len(msgs) {
				send(tag + " NO no such message")
				continue
			}
			msg := msgs[seq-1]
			fmt.Fprintf(w, "* %d FETCH (RFC822 {%d}\r\n", seq, len(msg))
			w.Write(msg)
			send(")", tag+" OK FETCH completed")
		case "IDLE":
			if s.hook(s.hooks.RefuseIdle, user) {
				send(tag + " NO IDLE not permitted")
				continue
			}
			if s.hook(s.hooks.StallIdle, user) {
				continue
			}
			notify := s.watch(user)
			send("+ idling")
			ok := s.idle(tag, notify, lines, send)
			s.unwatch(user, notify)
			if !ok {
				return
			}
		default:
			send(tag + " BAD command not recognized")
		}
	}
}

// idle relays notifications until DONE. Returns false if the connection ended.
func (s *MailServer) idle(tag string, notify chan int, lines <-chan string, send func(...string)) bool {
	for {
		select {
		case n := <-notify:
			send(fmt.Sprintf("* %d EXISTS", n))
		case l, ok := <-lines:
			if !ok {
				return false
			}
			if strings.EqualFold(strings.TrimSpace(l), "DONE") {
				send(tag + " OK IDLE terminated")
				return true
			}
			send("* BAD expected DONE")
		case <-s.closed:
			return false
		}
	}
}

func (s *MailServer) watch(principal string) chan int {
	ch := make(chan int, 16)
	s.mu.Lock()
	s.box(principal).watchers[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

func (s *MailServer) unwatch(principal string, ch chan int) {
	s.mu.Lock()
	delete(s.box(principal).watchers, ch)
	s.mu.Unlock()
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readData reads a dot-terminated DATA body and undoes dot-stuffing.
func readData(r *bufio.Reader) ([]byte, error) {
	var b strings.Builder
	for {
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if line == "." {
			return []byte(b.String()), nil
		}
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}
		b.WriteString(line)
		b.WriteString("\r\n")
	}
}

func decodePlain(s string) (user, pass string, ok bool) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", "", false
	}
	parts := strings.Split(string(raw), "\x00")
	if len(parts) != 3 {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// angleAddr extracts the address from "TO:<addr>" or "FROM:<addr> ...".
func angleAddr(arg string) string {
	open := strings.IndexByte(arg, '<')
	end := strings.IndexByte(arg, '>')
	if open < 0 || end < open {
		_, addr, _ := strings.Cut(arg, ":")
		return strings.TrimSpace(addr)
	}
	return arg[open+1 : end]
}

// parseIMAPArgs splits atoms and quoted strings.
func parseIMAPArgs(s string) []string {
	var args []string
	for i := 0; i < len(s); {
		switch {
		case s[i] == ' ':
			i++
		case s[i] == '"':
			var b strings.Builder
			i++
			for i < len(s) && s[i] != '"' {
				if s[i] == '\\' && i+1 < len(s) {
					i++
				}
				b.WriteByte(s[i])
				i++
			}
			i++
			args = append(args, b.String())
		default:
			end := strings.IndexByte(s[i:], ' ')
			if end < 0 {
				end = len(s) - i
			}
			args = append(args, s[i:i+end])
			i += end
		}
	}
	return args
}
