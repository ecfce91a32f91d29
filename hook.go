package perch

import "log/slog"

// Event identifies a protocol milestone a handler may intercept.
type Event string

const (
	// EventConnect fires before the 220 greeting is sent.
	EventConnect Event = "connect"
	// EventHelo fires on HELO with the client-supplied hostname.
	EventHelo Event = "helo"
	// EventEhlo fires on EHLO with the client-supplied hostname.
	EventEhlo Event = "ehlo"
	// EventMailFrom fires on MAIL FROM with the raw argument text.
	EventMailFrom Event = "mail_from"
	// EventRcptTo fires on RCPT TO with the raw argument text.
	EventRcptTo Event = "rcpt_to"
	// EventData fires on DATA before the 354 continuation reply.
	EventData Event = "data"
	// EventDataAvailable fires for each body chunk while reading DATA.
	EventDataAvailable Event = "data_available"
	// EventDataEnd fires once the body terminator has been seen.
	EventDataEnd Event = "data_end"
)

// Events lists every hook point a Session exposes.
var Events = []Event{
	EventConnect,
	EventHelo,
	EventEhlo,
	EventMailFrom,
	EventRcptTo,
	EventData,
	EventDataAvailable,
	EventDataEnd,
}

// Handlers carries the optional hook handlers for a Session. All fields
// are optional; a nil handler means the session performs its built-in
// default for that milestone and replies immediately. A Session copies
// the struct at construction, so mutating a Handlers value after the
// server has started has no effect on live sessions.
//
// Handlers run on the session's input path and may resolve their
// continuation synchronously or later from another goroutine. The same
// Handlers value is shared by every session of a server, so handlers
// must be safe to invoke concurrently from multiple sessions.
type Handlers struct {
	// OnConnect runs before the greeting. Accept sends the 220
	// greeting; Reject sends the given reply instead.
	OnConnect func(s *Session, cont *Continuation)

	// OnHelo receives the HELO argument. AcceptValue substitutes the
	// recorded client hostname.
	OnHelo func(s *Session, host string, cont *Continuation)

	// OnEhlo receives the EHLO argument. AcceptValue supplies extra
	// capability lines (newline-separated) that are inserted before the
	// final 250 line of the multiline reply.
	OnEhlo func(s *Session, host string, cont *Continuation)

	// OnMailFrom receives the raw MAIL FROM argument. AcceptValue
	// substitutes the sender address; the substitute is validated the
	// same way the original argument would have been.
	OnMailFrom func(s *Session, from string, cont *Continuation)

	// OnRcptTo receives the raw RCPT TO argument. AcceptValue
	// substitutes the recipient address.
	OnRcptTo func(s *Session, to string, cont *Continuation)

	// OnData runs when DATA is accepted for sequencing, before the 354
	// reply is sent.
	OnData func(s *Session, cont *Continuation)

	// OnDataAvailable streams body chunks as they arrive. When set, the
	// session does not buffer the body. Invocations are serialized per
	// session: the next chunk is dispatched only after the previous
	// continuation resolved. Rejecting aborts body collection and
	// returns the session to command mode.
	OnDataAvailable func(s *Session, chunk []byte, cont *Continuation)

	// OnDataEnd fires after the terminator. body is the decoded message
	// body, or nil when OnDataAvailable is set and the bytes were
	// already streamed. Accept sends 250 OK; Reject sends the given
	// reply instead.
	OnDataEnd func(s *Session, body []byte, cont *Continuation)
}

// registered reports whether a handler exists for ev.
func (h *Handlers) registered(ev Event) bool {
	switch ev {
	case EventConnect:
		return h.OnConnect != nil
	case EventHelo:
		return h.OnHelo != nil
	case EventEhlo:
		return h.OnEhlo != nil
	case EventMailFrom:
		return h.OnMailFrom != nil
	case EventRcptTo:
		return h.OnRcptTo != nil
	case EventData:
		return h.OnData != nil
	case EventDataAvailable:
		return h.OnDataAvailable != nil
	case EventDataEnd:
		return h.OnDataEnd != nil
	}
	return false
}

// resolution carries the outcome of a continuation back to the session.
type resolution struct {
	reject      bool
	code        ReplyCode
	message     string
	closeConn   bool
	override    string
	hasOverride bool
}

// Continuation is the single-use accept/reject handle passed to a hook
// handler. Exactly one of Accept, AcceptValue, Reject, or
// RejectWithCode must be called, exactly once; later calls are no-ops.
// A continuation that never resolves stalls its session indefinitely:
// the engine imposes no timeout, so bounding handler latency is the
// embedding application's responsibility.
type Continuation struct {
	sess  *Session
	event Event
	arg   string

	// done is guarded by sess.mu.
	done bool
}

// Event returns the protocol milestone this continuation belongs to.
func (c *Continuation) Event() Event {
	return c.event
}

// Accept resumes the session: the built-in default effect for the
// event runs with the originally parsed argument, then the normal
// success reply is sent.
func (c *Continuation) Accept() {
	c.sess.resolve(c, resolution{})
}

// AcceptValue resumes the session like Accept, but the built-in
// default uses override in place of the parsed argument. See the
// Handlers field docs for each event's override meaning.
func (c *Continuation) AcceptValue(override string) {
	c.sess.resolve(c, resolution{override: override, hasOverride: true})
}

// Reject refuses the milestone with a 500 reply carrying message. If
// closeConn is true the session additionally sends the 221 closing
// reply and terminates the connection.
func (c *Continuation) Reject(message string, closeConn bool) {
	c.RejectWithCode(CodeCommandUnrecognized, message, closeConn)
}

// RejectWithCode refuses the milestone with the given status code and
// message. If closeConn is true the session additionally sends the 221
// closing reply and terminates the connection.
func (c *Continuation) RejectWithCode(code ReplyCode, message string, closeConn bool) {
	c.sess.resolve(c, resolution{
		reject:    true,
		code:      code,
		message:   message,
		closeConn: closeConn,
	})
}

// logAttrs returns structured logging attributes for this continuation.
func (c *Continuation) logAttrs() []any {
	return []any{
		slog.String("event", string(c.event)),
		slog.String("session_id", c.sess.id),
	}
}
