package perch

import (
	"fmt"
	"strings"
)

// ReplyCode represents SMTP reply codes (RFC 5321).
// 2yz: success, 3yz: continue, 4yz: transient failure, 5yz: permanent failure.
type ReplyCode int

const (
	// 2xx - Success
	CodeServiceReady   ReplyCode = 220
	CodeServiceClosing ReplyCode = 221
	CodeOK             ReplyCode = 250

	// 3xx - Intermediate
	CodeStartMailInput ReplyCode = 354

	// 4xx - Transient Failure
	CodeServiceUnavailable ReplyCode = 421

	// 5xx - Permanent Failure
	CodeCommandUnrecognized ReplyCode = 500
	CodeSyntaxError         ReplyCode = 501
	CodeBadSequence         ReplyCode = 503
	CodeMailboxNotFound     ReplyCode = 550
	CodeExceededStorage     ReplyCode = 552
	CodeTransactionFailed   ReplyCode = 554
)

// Reply is a server response: a 3-digit status code and one or more
// text lines. Multiline replies render with the RFC 5321 continuation
// form ("250-..." for all but the last line, "250 ..." for the last).
type Reply struct {
	Code  ReplyCode
	Lines []string
}

// ReplyLine builds a single-line reply.
func ReplyLine(code ReplyCode, text string) Reply {
	return Reply{Code: code, Lines: []string{text}}
}

// String renders the reply as wire text, CRLF-terminated.
func (r Reply) String() string {
	if len(r.Lines) == 0 {
		return fmt.Sprintf("%d\r\n", r.Code)
	}
	var b strings.Builder
	for i, line := range r.Lines {
		if i < len(r.Lines)-1 {
			fmt.Fprintf(&b, "%d-%s\r\n", r.Code, line)
		} else {
			fmt.Fprintf(&b, "%d %s\r\n", r.Code, line)
		}
	}
	return b.String()
}

// IsError returns true for 4xx or 5xx codes.
func (r Reply) IsError() bool {
	return r.Code >= 400
}

// IsSuccess returns true for 2xx codes.
func (r Reply) IsSuccess() bool {
	return r.Code >= 200 && r.Code < 300
}

// IsIntermediate returns true for 3xx codes.
func (r Reply) IsIntermediate() bool {
	return r.Code >= 300 && r.Code < 400
}

// ReplyOK creates the standard 250 OK reply.
func ReplyOK() Reply {
	return ReplyLine(CodeOK, "OK")
}

// ReplyServiceReady creates the 220 greeting reply. The domain must be
// the first word after the code.
func ReplyServiceReady(domain string, message string) Reply {
	msg := domain
	if message != "" {
		msg = domain + " " + message
	}
	return ReplyLine(CodeServiceReady, msg)
}

// ReplyServiceClosing creates the 221 closing reply. The domain must be
// the first word after the code.
func ReplyServiceClosing(domain string) Reply {
	return ReplyLine(CodeServiceClosing, domain+" closing connection")
}

// ReplyBadSequence creates a 503 bad sequence of commands reply.
func ReplyBadSequence(message string) Reply {
	return ReplyLine(CodeBadSequence, message)
}

// ReplySyntaxError creates a 501 syntax error reply.
func ReplySyntaxError(message string) Reply {
	return ReplyLine(CodeSyntaxError, message)
}

// ReplyNotSupported creates the 500 reply used for unrecognized and
// unsupported commands.
func ReplyNotSupported() Reply {
	return ReplyLine(CodeCommandUnrecognized, "not supported")
}

// ReplyExceededStorage creates a 552 exceeded storage reply.
func ReplyExceededStorage(message string) Reply {
	if message == "" {
		message = "message exceeds maximum size"
	}
	return ReplyLine(CodeExceededStorage, message)
}
