package perch

import (
	"bytes"
	"log/slog"
)

// bodyTerminator ends the message body: a line containing only a dot.
// The leading CRLF belongs to the terminator, not the body.
const bodyTerminator = "\r\n.\r\n"

// stepData makes one unit of body-mode progress: it consumes the next
// buffered chunk, scans for the terminator, and either delivers body
// bytes or completes the transaction. The scan is chunk-boundary
// independent: the trailing bytes of each delivery that could still
// begin a terminator are held back and prepended to the next chunk.
// Callers hold s.mu.
func (s *Session) stepData() (dispatch func(), progressed bool) {
	if s.dataDone {
		return s.finishData()
	}
	if len(s.inbox) == 0 {
		return nil, false
	}
	chunk := s.inbox[0]
	s.inbox = s.inbox[1:]

	work := append(s.carry, chunk...)
	s.carry = nil

	var deliver []byte
	if idx := bytes.Index(work, []byte(bodyTerminator)); idx >= 0 {
		deliver = work[:idx]
		if rest := work[idx+len(bodyTerminator):]; len(rest) > 0 {
			trailing := append([]byte(nil), rest...)
			s.inbox = append([][]byte{trailing}, s.inbox...)
		}
		s.dataDone = true
	} else {
		keep := len(work) - (len(bodyTerminator) - 1)
		if keep < 0 {
			keep = 0
		}
		deliver = work[:keep]
		s.carry = append([]byte(nil), work[keep:]...)
	}

	if len(deliver) == 0 {
		return nil, true
	}
	if s.handlers.OnDataAvailable != nil {
		cont := s.suspend(EventDataAvailable, "")
		return func() { s.handlers.OnDataAvailable(s, deliver, cont) }, true
	}
	s.bodyBuf.Write(deliver)
	if s.maxBody > 0 && int64(s.bodyBuf.Len()) > s.maxBody {
		s.logger.Warn("transaction aborted", slog.Any("error", ErrBodyTooLarge), slog.Int("buffered", s.bodyBuf.Len()))
		s.bodyBuf.Reset()
		s.carry = nil
		s.dataDone = false
		s.state = StateAwaitCommand
		s.reply(ReplyExceededStorage("message body too large"))
	}
	return nil, true
}

// finishData completes the transaction after the terminator: the
// data_end hook runs if registered, otherwise 250 is sent. When the
// body was streamed the end hook receives nil. Callers hold s.mu.
func (s *Session) finishData() (dispatch func(), progressed bool) {
	s.dataDone = false
	s.state = StateAwaitCommand

	var body []byte
	if s.handlers.OnDataAvailable == nil {
		body = append([]byte(nil), s.bodyBuf.Bytes()...)
	}
	s.lastBody = body
	s.bodyBuf.Reset()

	if s.handlers.OnDataEnd != nil {
		cont := s.suspend(EventDataEnd, "")
		return func() { s.handlers.OnDataEnd(s, body, cont) }, true
	}
	s.reply(ReplyOK())
	return nil, true
}
