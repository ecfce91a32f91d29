package perch

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/perchmail/perch/utils"
)

// SessionState represents where a session is in the SMTP dialogue.
type SessionState int

const (
	// StateInit is the state before the 220 greeting has been sent.
	StateInit SessionState = iota
	// StateAwaitCommand is the command-reading state.
	StateAwaitCommand
	// StateInData is the body-reading state between the 354 reply and
	// the <CRLF>.<CRLF> terminator.
	StateInData
	// StateClosed is terminal: QUIT, handler-requested close, or
	// end-of-stream. No further processing happens.
	StateClosed
)

// String returns the string representation of the session state.
func (s SessionState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateAwaitCommand:
		return "COMMAND"
	case StateInData:
		return "DATA"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// GreetingKind records which greeting command opened the dialogue.
type GreetingKind int

const (
	// GreetingNone means no HELO/EHLO has been accepted yet.
	GreetingNone GreetingKind = iota
	// GreetingHelo marks a plain HELO session.
	GreetingHelo
	// GreetingEhlo marks an ESMTP session.
	GreetingEhlo
)

// String returns the string representation of the greeting kind.
func (g GreetingKind) String() string {
	switch g {
	case GreetingHelo:
		return "HELO"
	case GreetingEhlo:
		return "EHLO"
	default:
		return "NONE"
	}
}

// SessionConfig carries per-session construction parameters.
type SessionConfig struct {
	// Hostname is used in the greeting, Hello, and closing replies.
	Hostname string

	// Peer is the remote endpoint text echoed in Hello replies.
	Peer string

	// Handlers are the hook handlers. They are resolved once here, at
	// construction; the session never consults the registry again.
	Handlers Handlers

	// Logger is the structured logger; slog.Default() when nil. The
	// session derives a child logger with session attributes.
	Logger *slog.Logger

	// MaxBodySize bounds the buffered message body in bytes; a body
	// growing past it aborts the transaction with 552. 0 = unlimited.
	MaxBodySize int64

	// MaxLineLength bounds a single command line; overlong lines are
	// refused with 501. 0 = unlimited.
	MaxLineLength int
}

// Session owns the protocol state for one client dialogue. It is fed
// raw transport chunks via Feed and writes textual replies to the sink
// it was constructed over. A session is exclusively owned by its
// connection; Feed is called from the transport goroutine, while hook
// continuations may resolve from any goroutine.
type Session struct {
	id       string
	hostname string
	peer     string
	handlers Handlers
	logger   *slog.Logger
	maxBody  int64
	maxLine  int

	mu sync.Mutex
	w  io.Writer

	state    SessionState
	greeting GreetingKind
	heloHost string

	from       string
	fromSet    bool
	recipients []string

	// lineBuf assembles the command line currently being read.
	lineBuf []byte
	// inbox queues transport chunks not yet interpreted, either because
	// a continuation is outstanding or because they follow the chunk
	// currently being processed.
	inbox [][]byte

	// bodyBuf accumulates the message body when no streaming handler is
	// registered.
	bodyBuf bytes.Buffer
	// carry holds the trailing bytes of delivered body input that could
	// still begin a terminator split across chunk boundaries.
	carry []byte
	// dataDone is set between terminator detection and the data_end
	// dispatch when a streaming continuation is still outstanding.
	dataDone bool
	// lastBody retains the decoded body of the most recent completed
	// transaction when the body was buffered.
	lastBody []byte

	// pending is the outstanding continuation, if any. While set, no
	// buffered input is interpreted.
	pending *Continuation

	done   chan struct{}
	closed bool
}

// NewSession creates a session writing replies to w. The session is
// inert until Start is called.
func NewSession(w io.Writer, cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := utils.GenerateID()
	return &Session{
		id:       id,
		hostname: cfg.Hostname,
		peer:     cfg.Peer,
		handlers: cfg.Handlers,
		logger:   logger.With(slog.String("session_id", id), slog.String("peer", cfg.Peer)),
		maxBody:  cfg.MaxBodySize,
		maxLine:  cfg.MaxLineLength,
		w:        w,
		state:    StateInit,
		done:     make(chan struct{}),
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// Hostname returns the server hostname used in replies.
func (s *Session) Hostname() string {
	return s.hostname
}

// Peer returns the remote endpoint text the session was built with.
func (s *Session) Peer() string {
	return s.peer
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Greeting returns which greeting command opened the dialogue.
func (s *Session) Greeting() GreetingKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.greeting
}

// HeloHost returns the argument supplied with HELO/EHLO. It is free
// text, not validated as a hostname.
func (s *Session) HeloHost() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heloHost
}

// From returns the accepted sender address, and whether one is set.
func (s *Session) From() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.from, s.fromSet
}

// Recipients returns the accepted recipient addresses in acceptance
// order. Duplicates are preserved.
func (s *Session) Recipients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.recipients))
	copy(out, s.recipients)
	return out
}

// Body returns the decoded body of the most recent completed
// transaction, or nil if none completed or the body was streamed.
func (s *Session) Body() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBody
}

// HasHook reports whether a handler is registered for the event.
func (s *Session) HasHook(ev Event) bool {
	return s.handlers.registered(ev)
}

// Done returns a channel that is closed when the session terminates.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Start begins the dialogue: the connect hook runs if registered,
// otherwise the 220 greeting is sent immediately. Input fed before
// Start completes is buffered.
func (s *Session) Start() {
	s.mu.Lock()
	if s.state != StateInit || s.closed || s.pending != nil {
		s.mu.Unlock()
		return
	}
	if s.handlers.OnConnect != nil {
		cont := s.suspend(EventConnect, "")
		s.mu.Unlock()
		s.handlers.OnConnect(s, cont)
		return
	}
	s.sendGreeting()
	s.mu.Unlock()
	s.pump()
}

// sendGreeting sends the 220 banner and enters command mode.
// Callers hold s.mu.
func (s *Session) sendGreeting() {
	s.state = StateAwaitCommand
	s.reply(ReplyServiceReady(s.hostname, "ESMTP ready ["+s.id+"]"))
}

// Feed delivers a raw transport chunk to the session. Bytes arriving
// while a continuation is outstanding are buffered unread and
// interpreted only after it resolves, so command execution order
// always matches arrival order. Feeding a terminated session returns
// ErrSessionClosed.
func (s *Session) Feed(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	buf := make([]byte, len(p))
	copy(buf, p)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.inbox = append(s.inbox, buf)
	s.mu.Unlock()
	s.pump()
	return nil
}

// Terminate ends the session as if the peer vanished: no reply is
// sent and no further input is processed. End-of-stream and transport
// errors funnel here; it is also safe to call after QUIT.
func (s *Session) Terminate() {
	s.mu.Lock()
	s.close()
	s.mu.Unlock()
}

// pump interprets buffered input until it runs dry, the session
// closes, or progress suspends on an outstanding continuation. Hook
// dispatch happens with the session lock released.
func (s *Session) pump() {
	for {
		s.mu.Lock()
		if s.closed || s.pending != nil || s.state == StateInit {
			s.mu.Unlock()
			return
		}
		dispatch, progressed := s.step()
		s.mu.Unlock()
		if dispatch != nil {
			dispatch()
			continue
		}
		if !progressed {
			return
		}
	}
}

// step makes one unit of progress: a command line or a body chunk.
// It returns a dispatch closure to run unlocked when a hook must be
// invoked, and whether any progress was made. Callers hold s.mu.
func (s *Session) step() (dispatch func(), progressed bool) {
	if s.state == StateInData || s.dataDone {
		return s.stepData()
	}
	line, ok := s.takeLine()
	if !ok {
		return nil, false
	}
	return s.execLine(line)
}

// takeLine moves buffered input into the line buffer until a complete
// line is available, returning it without the terminator. Reports
// false when more input is needed.
func (s *Session) takeLine() (string, bool) {
	for {
		if i := bytes.IndexByte(s.lineBuf, '\n'); i >= 0 {
			line := string(bytes.TrimRight(s.lineBuf[:i], "\r"))
			s.lineBuf = append([]byte(nil), s.lineBuf[i+1:]...)
			return line, true
		}
		if len(s.inbox) == 0 {
			return "", false
		}
		s.lineBuf = append(s.lineBuf, s.inbox[0]...)
		s.inbox = s.inbox[1:]
	}
}

// execLine recognizes and executes one command line. Callers hold s.mu.
func (s *Session) execLine(line string) (dispatch func(), progressed bool) {
	if s.maxLine > 0 && len(line) > s.maxLine {
		s.logger.Warn("command refused", slog.Any("error", ErrLineTooLong), slog.Int("length", len(line)))
		s.reply(ReplySyntaxError("line too long"))
		return nil, true
	}

	cmd, ok := recognize(line)
	if !ok {
		s.logger.Debug("unrecognized command", slog.String("line", line))
		s.reply(ReplyNotSupported())
		return nil, true
	}
	s.logger.Debug("command received", slog.String("cmd", string(cmd)))

	switch cmd {
	case CmdEhlo:
		return s.execGreetingCmd(EventEhlo, commandArg(line, CmdEhlo))

	case CmdHelo:
		return s.execGreetingCmd(EventHelo, commandArg(line, CmdHelo))

	case CmdMail:
		if s.greeting == GreetingNone {
			s.reply(ReplyBadSequence("provide greeting first"))
			return nil, true
		}
		arg := commandArg(line, CmdMail)
		if s.handlers.OnMailFrom != nil {
			cont := s.suspend(EventMailFrom, arg)
			return func() { s.handlers.OnMailFrom(s, arg, cont) }, true
		}
		s.acceptMailFrom(arg)
		return nil, true

	case CmdRcpt:
		if !s.fromSet {
			s.reply(ReplyBadSequence("provide sender first"))
			return nil, true
		}
		arg := commandArg(line, CmdRcpt)
		if s.handlers.OnRcptTo != nil {
			cont := s.suspend(EventRcptTo, arg)
			return func() { s.handlers.OnRcptTo(s, arg, cont) }, true
		}
		s.acceptRcptTo(arg)
		return nil, true

	case CmdData:
		if len(s.recipients) == 0 {
			s.reply(ReplyBadSequence("provide recipient first"))
			return nil, true
		}
		if s.handlers.OnData != nil {
			cont := s.suspend(EventData, "")
			return func() { s.handlers.OnData(s, cont) }, true
		}
		s.acceptData()
		return nil, true

	case CmdQuit:
		s.reply(ReplyServiceClosing(s.hostname))
		s.close()
		return nil, true

	case CmdNoop:
		s.reply(ReplyOK())
		return nil, true

	case CmdRset:
		s.from = ""
		s.fromSet = false
		s.recipients = nil
		s.reply(ReplyOK())
		return nil, true

	default:
		// VRFY, EXPN, HELP, STARTTLS, AUTH: recognized but unsupported.
		s.reply(ReplyNotSupported())
		return nil, true
	}
}

// execGreetingCmd handles HELO and EHLO, which share sequencing.
// Callers hold s.mu.
func (s *Session) execGreetingCmd(ev Event, arg string) (func(), bool) {
	switch ev {
	case EventEhlo:
		if s.handlers.OnEhlo != nil {
			cont := s.suspend(EventEhlo, arg)
			return func() { s.handlers.OnEhlo(s, arg, cont) }, true
		}
		s.acceptEhlo(arg, "")
	case EventHelo:
		if s.handlers.OnHelo != nil {
			cont := s.suspend(EventHelo, arg)
			return func() { s.handlers.OnHelo(s, arg, cont) }, true
		}
		s.acceptHelo(arg)
	}
	return nil, true
}

// acceptHelo records the greeting and sends the single-line Hello
// reply. Callers hold s.mu.
func (s *Session) acceptHelo(host string) {
	s.greeting = GreetingHelo
	s.heloHost = host
	s.reply(ReplyLine(CodeOK, s.hostname+" Hello "+s.peer))
}

// acceptEhlo records the greeting and sends the multiline ESMTP reply.
// extra carries newline-separated capability lines inserted before the
// final line. Callers hold s.mu.
func (s *Session) acceptEhlo(host, extra string) {
	s.greeting = GreetingEhlo
	s.heloHost = host

	lines := []string{s.hostname + " Hello " + s.peer}
	if extra != "" {
		for _, capability := range strings.Split(extra, "\n") {
			if capability = strings.TrimSpace(capability); capability != "" {
				lines = append(lines, capability)
			}
		}
	}
	lines = append(lines, "8BITMIME")
	s.reply(Reply{Code: CodeOK, Lines: lines})
}

// acceptMailFrom validates the sender address and records it.
// Callers hold s.mu.
func (s *Session) acceptMailFrom(arg string) {
	addr, err := ValidateAddress(arg)
	if err != nil {
		s.reply(ReplySyntaxError("malformed address"))
		return
	}
	s.from = addr
	s.fromSet = true
	s.reply(ReplyOK())
}

// acceptRcptTo validates the recipient address and appends it.
// Duplicates are kept; acceptance order is preserved. Callers hold s.mu.
func (s *Session) acceptRcptTo(arg string) {
	addr, err := ValidateAddress(arg)
	if err != nil {
		s.reply(ReplySyntaxError("malformed address"))
		return
	}
	s.recipients = append(s.recipients, addr)
	s.reply(ReplyOK())
}

// acceptData enters body-reading mode and sends the 354 continuation
// reply. Any bytes already buffered behind the DATA line become body
// input. Callers hold s.mu.
func (s *Session) acceptData() {
	s.bodyBuf.Reset()
	s.carry = nil
	s.dataDone = false
	s.lastBody = nil
	s.state = StateInData
	if len(s.lineBuf) > 0 {
		s.inbox = append([][]byte{s.lineBuf}, s.inbox...)
		s.lineBuf = nil
	}
	s.reply(ReplyLine(CodeStartMailInput, "Terminate with line containing only '.'"))
}

// suspend records an outstanding continuation; the session interprets
// no further input until it resolves. Callers hold s.mu.
func (s *Session) suspend(ev Event, arg string) *Continuation {
	c := &Continuation{sess: s, event: ev, arg: arg}
	s.pending = c
	return c
}

// resolve applies a continuation outcome. Called from Continuation
// methods, possibly on a handler goroutine.
func (s *Session) resolve(c *Continuation, res resolution) {
	s.mu.Lock()
	if c.done || s.pending != c {
		s.mu.Unlock()
		s.logger.Debug("continuation already resolved", c.logAttrs()...)
		return
	}
	c.done = true
	s.pending = nil
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.applyResolution(c, res)
	s.mu.Unlock()
	s.pump()
}

// applyResolution performs the accepted default effect or the rejection
// reply for a resolved continuation. Callers hold s.mu.
func (s *Session) applyResolution(c *Continuation, res resolution) {
	if res.reject {
		s.reply(Reply{Code: res.code, Lines: []string{res.message}})
		switch c.event {
		case EventConnect:
			// The dialogue continues unless the handler asked to close.
			s.state = StateAwaitCommand
		case EventDataAvailable:
			// Abort body collection; buffered input is parsed as
			// commands again.
			s.bodyBuf.Reset()
			s.carry = nil
			s.dataDone = false
			s.state = StateAwaitCommand
		}
		if res.closeConn {
			s.reply(ReplyServiceClosing(s.hostname))
			s.close()
		}
		return
	}

	arg := c.arg
	if res.hasOverride {
		arg = res.override
	}
	switch c.event {
	case EventConnect:
		s.sendGreeting()
	case EventHelo:
		s.acceptHelo(arg)
	case EventEhlo:
		// The override supplies extra capability lines, not a hostname.
		s.acceptEhlo(c.arg, res.override)
	case EventMailFrom:
		s.acceptMailFrom(arg)
	case EventRcptTo:
		s.acceptRcptTo(arg)
	case EventData:
		s.acceptData()
	case EventDataAvailable:
		// Chunk consumed; no reply until the terminator.
	case EventDataEnd:
		s.reply(ReplyOK())
	}
}

// reply writes a reply to the session's sink. Callers hold s.mu.
func (s *Session) reply(r Reply) {
	if _, err := io.WriteString(s.w, r.String()); err != nil {
		s.logger.Error("reply write failed", slog.Any("error", err))
	}
}

// close marks the session terminal and drops buffered per-connection
// state so nothing lingers after termination. Callers hold s.mu.
func (s *Session) close() {
	if s.closed {
		return
	}
	s.closed = true
	s.state = StateClosed
	s.lineBuf = nil
	s.inbox = nil
	s.carry = nil
	s.bodyBuf.Reset()
	s.recipients = nil
	s.fromSet = false
	close(s.done)
	s.logger.Debug("session closed")
}
