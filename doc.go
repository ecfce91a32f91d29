// Package perch is an embeddable SMTP session engine for Go.
//
// Perch implements the SMTP command/response dialogue (RFC 5321 class
// semantics) over an arbitrary byte stream. It parses the line-oriented
// protocol, sequences per-connection session state, and lets the
// embedding application intercept every protocol milestone (greeting,
// HELO/EHLO, sender, recipients, message body) to accept, reject, or
// rewrite it, without the application having to understand byte framing
// or SMTP state rules.
//
// # Quick Start
//
// Run a server that logs accepted messages:
//
//	config := perch.DefaultConfig()
//	config.Hostname = "mail.example.com"
//	config.Handlers = perch.Handlers{
//	    OnDataEnd: func(s *perch.Session, body []byte, cont *perch.Continuation) {
//	        log.Printf("message from %s: %d bytes", s.Peer(), len(body))
//	        cont.Accept()
//	    },
//	}
//
//	server, err := perch.NewServer(config)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(server.ListenAndServe())
//
// # Hooks and Continuations
//
// Every milestone exposes a hook identified by an Event. Handlers are
// resolved once per connection when the Session is constructed. A
// handler receives the parsed argument (or body chunk), a single-use
// Continuation, and the Session. The session suspends the reply for
// that command until the continuation resolves:
//
//	config.Handlers.OnRcptTo = func(s *perch.Session, to string, cont *perch.Continuation) {
//	    if blocked(to) {
//	        cont.RejectWithCode(550, "mailbox unavailable", false)
//	        return
//	    }
//	    cont.Accept()
//	}
//
// Continuations may resolve from any goroutine. Input that arrives
// while a continuation is outstanding is buffered unread, so command
// order is preserved. Resolving twice is a no-op; never resolving
// stalls the session indefinitely, so bounding handler latency is the
// embedder's responsibility.
//
// # Embedding Without the Server
//
// The engine itself has no socket dependency. A Session is constructed
// over any io.Writer and fed raw transport chunks:
//
//	sess := perch.NewSession(conn, perch.SessionConfig{
//	    Hostname: "mail.example.com",
//	    Peer:     conn.RemoteAddr().String(),
//	    Handlers: handlers,
//	})
//	sess.Start()
//	// feed bytes as they arrive:
//	sess.Feed(buf[:n])
//
// End-of-stream is reported with Terminate, which the session treats
// like an explicit QUIT: no further processing, no reply.
//
// # Scope
//
// Perch is not a mail transfer agent. It does no queuing, outbound
// delivery, DNS/MX resolution, or mailbox storage, and it does not
// parse MIME: the message body is opaque bytes between the 354 reply
// and the <CRLF>.<CRLF> terminator. STARTTLS and AUTH are recognized
// but answered with 500; transport security belongs to the embedding
// application.
package perch
