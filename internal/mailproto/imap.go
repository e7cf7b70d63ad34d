package mailproto

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/idleprobe/internal/model"
)

// DefaultCommandTimeout bounds every IMAP command that has no explicit timeout.
const DefaultCommandTimeout = 30 * time.Second

// IMAPConn is a single IMAP connection.
type IMAPConn struct {
	conn    net.Conn
	r       *bufio.Reader
	w       *bufio.Writer
	tagSeq  int
	idleTag string
	timeout time.Duration

	// pending holds the start of a line whose read timed out.
	pending []byte
}

// untagged is one untagged response line, with its literal if it carried one.
type untagged struct {
	line    string
	literal []byte
}

// response collects everything the server sent for one tagged command.
type response struct {
	untagged []untagged
	status   string // OK, NO or BAD
	text     string
}

// DialIMAP connects to addr and reads the server greeting.
// timeout bounds the dial and every later command (0 = DefaultCommandTimeout).
func DialIMAP(ctx context.Context, addr string, timeout time.Duration) (*IMAPConn, error) {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, wrapIO("dial", err)
	}

	c := &IMAPConn{
		conn:    conn,
		r:       bufio.NewReader(conn),
		w:       bufio.NewWriter(conn),
		timeout: timeout,
	}

	_ = conn.SetDeadline(time.Now().Add(timeout))
	greeting, err := c.readLine()
	if err != nil {
		conn.Close()
		return nil, wrapIO("greeting", err)
	}
	if !strings.HasPrefix(greeting, "* OK") && !strings.HasPrefix(greeting, "* PREAUTH") {
		conn.Close()
		return nil, &Error{Op: "greeting", Category: model.CatProtocol, Err: fmt.Errorf("unexpected greeting %q", greeting)}
	}
	return c, nil
}

// Login authenticates with LOGIN.
func (c *IMAPConn) Login(user, pass string) error {
	resp, err := c.command("login", "LOGIN %s %s", quote(user), quote(pass))
	if err != nil {
		return err
	}
	if resp.status != "OK" {
		return &Error{Op: "login", Category: model.CatAuth, Err: fmt.Errorf("LOGIN %s %s", resp.status, resp.text)}
	}
	return nil
}

// Select opens mailbox and returns its EXISTS count.
func (c *IMAPConn) Select(mailbox string) (int, error) {
	resp, err := c.command("select", "SELECT %s", quote(mailbox))
	if err != nil {
		return 0, err
	}
	if resp.status != "OK" {
		return 0, &Error{Op: "select", Category: model.CatProtocol, Err: fmt.Errorf("SELECT %s %s", resp.status, resp.text)}
	}
	exists := 0
	for _, u := range resp.untagged {
		if n, ok := ParseExists(u.line); ok {
			exists = int(n)
		}
	}
	return exists, nil
}

// SearchAll returns the sequence numbers of every message in the selected
// mailbox, in the order the server listed them.
//
// A non-OK status is a query-failed error; an empty result is not an error.
func (c *IMAPConn) SearchAll() ([]uint32, error) {
	resp, err := c.command("search", "SEARCH ALL")
	if err != nil {
		return nil, err
	}
	if resp.status != "OK" {
		return nil, &Error{Op: "search", Category: model.CatQueryFailed, Err: fmt.Errorf("SEARCH %s %s", resp.status, resp.text)}
	}

	var ids []uint32
	for _, u := range resp.untagged {
		rest, ok := strings.CutPrefix(u.line, "* SEARCH")
		if !ok {
			continue
		}
		for _, f := range strings.Fields(rest) {
			n, err := strconv.ParseUint(f, 10, 32)
			if err != nil {
				return nil, &Error{Op: "search", Category: model.CatProtocol, Err: fmt.Errorf("bad sequence number %q", f)}
			}
			ids = append(ids, uint32(n))
		}
	}
	return ids, nil
}

// Fetch returns the full RFC822 content of message seq.
func (c *IMAPConn) Fetch(seq uint32) ([]byte, error) {
	resp, err := c.command("fetch", "FETCH %d (RFC822)", seq)
	if err != nil {
		return nil, err
	}
	if resp.status != "OK" {
		return nil, &Error{Op: "fetch", Category: model.CatFetchFailed, Err: fmt.Errorf("FETCH %s %s", resp.status, resp.text)}
	}
	for _, u := range resp.untagged {
		if u.literal != nil && strings.Contains(u.line, "FETCH") {
			return u.literal, nil
		}
	}
	return nil, &Error{Op: "fetch", Category: model.CatFetchFailed, Err: errors.New("FETCH returned no message body")}
}

// Idle enters IDLE and blocks until the server confirms with a continuation
// request, or until timeout.
func (c *IMAPConn) Idle(timeout time.Duration) error {
	tag := c.nextTag()
	_ = c.conn.SetDeadline(time.Now().Add(timeout))
	if err := c.writeLine(tag + " IDLE"); err != nil {
		return wrapIO("idle", err)
	}

	for {
		line, err := c.readLine()
		if err != nil {
			return wrapIO("idle", err)
		}
		switch {
		case strings.HasPrefix(line, "+"):
			c.idleTag = tag
			_ = c.conn.SetDeadline(time.Time{})
			return nil
		case strings.HasPrefix(line, tag+" "):
			return &Error{Op: "idle", Category: model.CatProtocol, Err: fmt.Errorf("IDLE rejected: %s", line)}
		}
		// Untagged data before the continuation is ignored.
	}
}

// ReadUntagged blocks for one server line while idling.
// A read that exceeds timeout returns an error for which IsTimeout is true;
// the connection stays usable.
func (c *IMAPConn) ReadUntagged(timeout time.Duration) (string, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	line, err := c.readLine()
	if err != nil {
		return "", wrapIO("idle-read", err)
	}
	return line, nil
}

// Done terminates IDLE and discards everything up to the tagged completion.
func (c *IMAPConn) Done() error {
	return c.DoneWithin(c.timeout)
}

// DoneWithin is Done bounded by timeout instead of the command timeout.
func (c *IMAPConn) DoneWithin(timeout time.Duration) error {
	if c.idleTag == "" {
		return nil
	}
	tag := c.idleTag
	c.idleTag = ""

	_ = c.conn.SetDeadline(time.Now().Add(timeout))
	if err := c.writeLine("DONE"); err != nil {
		return wrapIO("done", err)
	}
	for {
		line, err := c.readLine()
		if err != nil {
			return wrapIO("done", err)
		}
		if strings.HasPrefix(line, tag+" ") {
			return nil
		}
	}
}

// Idling reports whether IDLE is active on this connection.
func (c *IMAPConn) Idling() bool {
	return c.idleTag != ""
}

// Logout sends LOGOUT. The connection must still be closed with Close.
func (c *IMAPConn) Logout() error {
	_, err := c.command("logout", "LOGOUT")
	return err
}

// Close closes the socket. Safe to call from any goroutine.
func (c *IMAPConn) Close() error {
	return c.conn.Close()
}

// ParseExists parses an untagged "* n EXISTS" line.
func ParseExists(line string) (uint32, bool) {
	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != "*" || !strings.EqualFold(fields[2], "EXISTS") {
		return 0, false
	}
	n, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// command sends a tagged command and collects the response.
// Only I/O failures are returned as errors; NO/BAD come back in status.
func (c *IMAPConn) command(op string, format string, args ...any) (*response, error) {
	tag := c.nextTag()
	_ = c.conn.SetDeadline(time.Now().Add(c.timeout))
	if err := c.writeLine(tag + " " + fmt.Sprintf(format, args...)); err != nil {
		return nil, wrapIO(op, err)
	}

	resp := &response{}
	for {
		line, err := c.readLine()
		if err != nil {
			return nil, wrapIO(op, err)
		}

		if rest, ok := strings.CutPrefix(line, tag+" "); ok {
			resp.status, resp.text, _ = strings.Cut(rest, " ")
			resp.status = strings.ToUpper(resp.status)
			return resp, nil
		}

		if !strings.HasPrefix(line, "*") {
			continue
		}

		u := untagged{line: line}
		if n, ok := literalSize(line); ok {
			u.literal = make([]byte, n)
			if _, err := io.ReadFull(c.r, u.literal); err != nil {
				return nil, wrapIO(op, err)
			}
			// Remainder of the response after the literal, usually ")".
			tail, err := c.readLine()
			if err != nil {
				return nil, wrapIO(op, err)
			}
			u.line += tail
		}
		resp.untagged = append(resp.untagged, u)
	}
}

func (c *IMAPConn) nextTag() string {
	c.tagSeq++
	return fmt.Sprintf("a%03d", c.tagSeq)
}

func (c *IMAPConn) writeLine(s string) error {
	if _, err := c.w.WriteString(s + "\r\n"); err != nil {
		return err
	}
	return c.w.Flush()
}

// readLine returns one line without its terminator. Bytes read before an
// error are kept and prefixed to the next line.
func (c *IMAPConn) readLine() (string, error) {
	chunk, err := c.r.ReadSlice('\n')
	for errors.Is(err, bufio.ErrBufferFull) {
		c.pending = append(c.pending, chunk...)
		chunk, err = c.r.ReadSlice('\n')
	}
	c.pending = append(c.pending, chunk...)
	if err != nil {
		return "", err
	}
	line := string(c.pending)
	c.pending = c.pending[:0]
	return strings.TrimRight(line, "\r\n"), nil
}

// literalSize reports the size of a trailing "{n}" literal marker.
func literalSize(line string) (int, bool) {
	if !strings.HasSuffix(line, "}") {
		return 0, false
	}
	open := strings.LastIndexByte(line, '{')
	if open < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(line[open+1 : len(line)-1])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}
