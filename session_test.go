package perch

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// syncBuffer is an io.Writer safe for concurrent use, since replies
// may be written from a resolving handler's goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) take() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.buf.String()
	b.buf.Reset()
	return s
}

// sessionHarness drives a Session directly, without a socket.
type sessionHarness struct {
	t    *testing.T
	out  *syncBuffer
	sess *Session

	lines []string
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSessionHarness(t *testing.T, cfg SessionConfig) *sessionHarness {
	t.Helper()
	if cfg.Hostname == "" {
		cfg.Hostname = "test.example.com"
	}
	if cfg.Peer == "" {
		cfg.Peer = "192.0.2.1:4242"
	}
	cfg.Logger = discardLogger()

	out := &syncBuffer{}
	h := &sessionHarness{t: t, out: out}
	h.sess = NewSession(out, cfg)
	h.sess.Start()
	return h
}

func (h *sessionHarness) feed(s string) {
	h.t.Helper()
	if err := h.sess.Feed([]byte(s)); err != nil {
		h.t.Fatalf("Feed(%q) failed: %v", s, err)
	}
}

// nextLine returns the next reply line without its CRLF, waiting
// briefly for handlers resolving on other goroutines.
func (h *sessionHarness) nextLine() string {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if chunk := h.out.take(); chunk != "" {
			for _, line := range strings.Split(chunk, "\r\n") {
				if line != "" {
					h.lines = append(h.lines, line)
				}
			}
		}
		if len(h.lines) > 0 {
			line := h.lines[0]
			h.lines = h.lines[1:]
			return line
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("timed out waiting for a reply line")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *sessionHarness) expectCode(expected int) string {
	h.t.Helper()
	line := h.nextLine()
	code := 0
	fmt.Sscanf(line, "%d", &code)
	if code != expected {
		h.t.Errorf("Expected code %d, got reply: %s", expected, line)
	}
	return line
}

func (h *sessionHarness) expectLine(expected string) {
	h.t.Helper()
	line := h.nextLine()
	if line != expected {
		h.t.Errorf("Expected reply %q, got %q", expected, line)
	}
}

// expectQuiet asserts that no further reply arrives.
func (h *sessionHarness) expectQuiet() {
	h.t.Helper()
	time.Sleep(20 * time.Millisecond)
	if chunk := h.out.take(); chunk != "" {
		h.t.Errorf("Expected no reply, got %q", chunk)
	}
	if len(h.lines) > 0 {
		h.t.Errorf("Expected no reply, got %q", h.lines)
	}
}

// greet performs the EHLO exchange used by most tests.
func (h *sessionHarness) greet() {
	h.t.Helper()
	h.expectCode(220)
	h.feed("EHLO client.example.com\r\n")
	h.expectLine("250-test.example.com Hello 192.0.2.1:4242")
	h.expectLine("250 8BITMIME")
}

func TestSessionGreetingBanner(t *testing.T) {
	h := newSessionHarness(t, SessionConfig{})
	line := h.expectCode(220)
	prefix := "220 test.example.com ESMTP ready ["
	if !strings.HasPrefix(line, prefix) {
		t.Errorf("Expected greeting to start with %q, got %q", prefix, line)
	}
	if !strings.Contains(line, h.sess.ID()) {
		t.Errorf("Expected greeting to carry session ID %s, got %q", h.sess.ID(), line)
	}
}

func TestSessionBasicDialogue(t *testing.T) {
	h := newSessionHarness(t, SessionConfig{})
	h.greet()

	h.feed("MAIL FROM:<a@b.co>\r\n")
	h.expectLine("250 OK")
	h.feed("RCPT TO:<c@d.co>\r\n")
	h.expectLine("250 OK")
	h.feed("DATA\r\n")
	h.expectCode(354)
	h.feed("Subject: hi\r\n\r\nbody\r\n.\r\n")
	h.expectLine("250 OK")

	if got := string(h.sess.Body()); got != "Subject: hi\r\n\r\nbody" {
		t.Errorf("Unexpected body: %q", got)
	}
	if from, ok := h.sess.From(); !ok || from != "a@b.co" {
		t.Errorf("Unexpected sender: %q (set=%v)", from, ok)
	}
	if rcpts := h.sess.Recipients(); len(rcpts) != 1 || rcpts[0] != "c@d.co" {
		t.Errorf("Unexpected recipients: %v", rcpts)
	}

	h.feed("QUIT\r\n")
	h.expectLine("221 test.example.com closing connection")

	select {
	case <-h.sess.Done():
	case <-time.After(time.Second):
		t.Fatal("Session did not close after QUIT")
	}
	if h.sess.State() != StateClosed {
		t.Errorf("Expected StateClosed, got %v", h.sess.State())
	}
}

func TestSessionHeloSingleLine(t *testing.T) {
	h := newSessionHarness(t, SessionConfig{})
	h.expectCode(220)
	h.feed("HELO client.example.com\r\n")
	h.expectLine("250 test.example.com Hello 192.0.2.1:4242")

	if h.sess.Greeting() != GreetingHelo {
		t.Errorf("Expected GreetingHelo, got %v", h.sess.Greeting())
	}
	if h.sess.HeloHost() != "client.example.com" {
		t.Errorf("Unexpected HELO host: %q", h.sess.HeloHost())
	}
}

func TestSessionRcptAsFirstCommand(t *testing.T) {
	h := newSessionHarness(t, SessionConfig{})
	h.expectCode(220)

	h.feed("RCPT TO:<x@y.co>\r\n")
	h.expectLine("503 provide sender first")

	// The connection stays open.
	h.feed("NOOP\r\n")
	h.expectLine("250 OK")
}

func TestSessionCommandSequencing(t *testing.T) {
	h := newSessionHarness(t, SessionConfig{})
	h.expectCode(220)

	h.feed("MAIL FROM:<a@b.co>\r\n")
	h.expectLine("503 provide greeting first")

	h.feed("EHLO client.example.com\r\n")
	h.expectLine("250-test.example.com Hello 192.0.2.1:4242")
	h.expectLine("250 8BITMIME")

	h.feed("RCPT TO:<c@d.co>\r\n")
	h.expectLine("503 provide sender first")

	h.feed("DATA\r\n")
	h.expectLine("503 provide recipient first")

	h.feed("MAIL FROM:<a@b.co>\r\n")
	h.expectLine("250 OK")

	h.feed("DATA\r\n")
	h.expectLine("503 provide recipient first")
}

func TestSessionBadSenderLeavesStateUnchanged(t *testing.T) {
	h := newSessionHarness(t, SessionConfig{})
	h.greet()

	h.feed("MAIL FROM:<nodomain>\r\n")
	h.expectLine("501 malformed address")

	// The failed MAIL must not have set a sender.
	h.feed("RCPT TO:<c@d.co>\r\n")
	h.expectLine("503 provide sender first")
}

func TestSessionRecipientOrderAndDuplicates(t *testing.T) {
	h := newSessionHarness(t, SessionConfig{})
	h.greet()
	h.feed("MAIL FROM:<a@b.co>\r\n")
	h.expectLine("250 OK")

	for _, rcpt := range []string{"<x@y.co>", "<z@w.co>", "<x@y.co>"} {
		h.feed("RCPT TO:" + rcpt + "\r\n")
		h.expectLine("250 OK")
	}

	want := []string{"x@y.co", "z@w.co", "x@y.co"}
	got := h.sess.Recipients()
	if len(got) != len(want) {
		t.Fatalf("Expected %d recipients, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Recipient %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestSessionUnknownAndUnsupportedCommands(t *testing.T) {
	h := newSessionHarness(t, SessionConfig{})
	h.greet()

	for _, cmd := range []string{"FOO", "VRFY a@b.co", "EXPN list", "HELP", "STARTTLS", "AUTH PLAIN"} {
		h.feed(cmd + "\r\n")
		h.expectLine("500 not supported")
	}

	// A 500 must not disturb the dialogue.
	h.feed("NOOP\r\n")
	h.expectLine("250 OK")
}

func TestSessionRsetClearsTransaction(t *testing.T) {
	h := newSessionHarness(t, SessionConfig{})
	h.greet()
	h.feed("MAIL FROM:<a@b.co>\r\n")
	h.expectLine("250 OK")
	h.feed("RCPT TO:<c@d.co>\r\n")
	h.expectLine("250 OK")

	h.feed("RSET\r\n")
	h.expectLine("250 OK")

	h.feed("RCPT TO:<c@d.co>\r\n")
	h.expectLine("503 provide sender first")
	if _, ok := h.sess.From(); ok {
		t.Error("Expected sender cleared after RSET")
	}
	if len(h.sess.Recipients()) != 0 {
		t.Errorf("Expected recipients cleared after RSET, got %v", h.sess.Recipients())
	}
}

func TestSessionPipelinedCommands(t *testing.T) {
	h := newSessionHarness(t, SessionConfig{})
	h.expectCode(220)

	// Two commands in one chunk execute in arrival order.
	h.feed("EHLO client.example.com\r\nMAIL FROM:<a@b.co>\r\n")
	h.expectLine("250-test.example.com Hello 192.0.2.1:4242")
	h.expectLine("250 8BITMIME")
	h.expectLine("250 OK")
}

func TestSessionLineTooLong(t *testing.T) {
	h := newSessionHarness(t, SessionConfig{MaxLineLength: 32})
	h.expectCode(220)

	h.feed("EHLO " + strings.Repeat("x", 64) + "\r\n")
	h.expectLine("501 line too long")

	h.feed("EHLO client.example.com\r\n")
	h.expectCode(250)
	h.expectCode(250)
}

func TestSessionBodySizeLimit(t *testing.T) {
	h := newSessionHarness(t, SessionConfig{MaxBodySize: 16})
	h.greet()
	h.feed("MAIL FROM:<a@b.co>\r\n")
	h.expectLine("250 OK")
	h.feed("RCPT TO:<c@d.co>\r\n")
	h.expectLine("250 OK")
	h.feed("DATA\r\n")
	h.expectCode(354)

	h.feed(strings.Repeat("spam ", 20) + "\r\n")
	h.expectCode(552)

	// Back in command mode after the abort.
	h.feed("NOOP\r\n")
	h.expectLine("250 OK")
	if h.sess.Body() != nil {
		t.Errorf("Expected no retained body after abort, got %q", h.sess.Body())
	}
}

func TestSessionTerminateSendsNothing(t *testing.T) {
	h := newSessionHarness(t, SessionConfig{})
	h.expectCode(220)

	h.sess.Terminate()
	h.expectQuiet()

	if err := h.sess.Feed([]byte("NOOP\r\n")); err != ErrSessionClosed {
		t.Errorf("Expected ErrSessionClosed, got %v", err)
	}
	select {
	case <-h.sess.Done():
	default:
		t.Error("Expected Done() closed after Terminate")
	}
}

// runBody drives a full transaction delivering the body bytes with the
// given chunking and returns the retained body.
func runBody(t *testing.T, chunks []string) []byte {
	t.Helper()
	h := newSessionHarness(t, SessionConfig{})
	h.greet()
	h.feed("MAIL FROM:<a@b.co>\r\n")
	h.expectLine("250 OK")
	h.feed("RCPT TO:<c@d.co>\r\n")
	h.expectLine("250 OK")
	h.feed("DATA\r\n")
	h.expectCode(354)
	for _, chunk := range chunks {
		h.feed(chunk)
	}
	h.expectLine("250 OK")
	return h.sess.Body()
}

func TestBodyTerminatorAcrossChunks(t *testing.T) {
	const body = "Subject: split\r\n\r\nfirst line\r\nsecond line"
	whole := body + "\r\n.\r\n"

	want := runBody(t, []string{whole})
	if string(want) != body {
		t.Fatalf("Single-chunk body mismatch: %q", want)
	}

	// Split the stream at every position, including all four splits
	// inside the five-byte terminator.
	for i := 1; i < len(whole); i++ {
		got := runBody(t, []string{whole[:i], whole[i:]})
		if !bytes.Equal(got, want) {
			t.Errorf("Split at %d: expected %q, got %q", i, want, got)
		}
	}
}

func TestBodyByteAtATime(t *testing.T) {
	const body = "one\r\ntwo\r\nthree"
	whole := body + "\r\n.\r\n"

	chunks := make([]string, 0, len(whole))
	for i := range whole {
		chunks = append(chunks, whole[i:i+1])
	}
	if got := runBody(t, chunks); string(got) != body {
		t.Errorf("Expected body %q, got %q", body, got)
	}
}

func TestBodyDotLinesAreContent(t *testing.T) {
	// Lines that merely contain a dot are body content; only a line
	// holding a single dot terminates.
	const body = "a.b\r\n..\r\ndot . inside"
	if got := runBody(t, []string{body + "\r\n.\r\n"}); string(got) != body {
		t.Errorf("Expected body %q, got %q", body, got)
	}
}

func TestBodyTrailingBytesReenterCommandMode(t *testing.T) {
	h := newSessionHarness(t, SessionConfig{})
	h.greet()
	h.feed("MAIL FROM:<a@b.co>\r\n")
	h.expectLine("250 OK")
	h.feed("RCPT TO:<c@d.co>\r\n")
	h.expectLine("250 OK")

	// DATA, the entire body, and QUIT arrive in one chunk. The bytes
	// after the terminator must be interpreted as a command.
	h.feed("DATA\r\nhello\r\n.\r\nQUIT\r\n")
	h.expectCode(354)
	h.expectLine("250 OK")
	h.expectLine("221 test.example.com closing connection")

	if got := string(h.sess.Body()); got != "hello" {
		t.Errorf("Expected body %q, got %q", "hello", got)
	}
}
