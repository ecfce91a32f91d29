package perch

import "strings"

// Command identifies a recognized SMTP command keyword.
type Command string

const (
	CmdEhlo     Command = "EHLO"
	CmdHelo     Command = "HELO"
	CmdQuit     Command = "QUIT"
	CmdMail     Command = "MAIL"
	CmdRcpt     Command = "RCPT"
	CmdData     Command = "DATA"
	CmdNoop     Command = "NOOP"
	CmdRset     Command = "RSET"
	CmdVrfy     Command = "VRFY"
	CmdExpn     Command = "EXPN"
	CmdHelp     Command = "HELP"
	CmdStartTLS Command = "STARTTLS"
	CmdAuth     Command = "AUTH"

	// CmdUnknown is the explicit result for a line matching no keyword.
	CmdUnknown Command = ""
)

// commandTable lists the recognized keywords in match priority order.
// Recognition walks the slice front to back, so the result is
// deterministic and never depends on map iteration order. MAIL and RCPT
// match on the full "MAIL FROM:" / "RCPT TO:" prefix so the argument
// extractor can strip the whole keyword in one step.
var commandTable = []struct {
	cmd     Command
	keyword string
}{
	{CmdEhlo, "EHLO"},
	{CmdHelo, "HELO"},
	{CmdQuit, "QUIT"},
	{CmdMail, "MAIL FROM:"},
	{CmdRcpt, "RCPT TO:"},
	{CmdData, "DATA"},
	{CmdNoop, "NOOP"},
	{CmdRset, "RSET"},
	{CmdVrfy, "VRFY"},
	{CmdExpn, "EXPN"},
	{CmdHelp, "HELP"},
	{CmdStartTLS, "STARTTLS"},
	{CmdAuth, "AUTH"},
}

// recognize classifies a command line against the keyword table. The
// match is case-insensitive and anchored at the start of the line.
// When nothing matches it returns CmdUnknown and false; callers must
// treat that as a definite result, never as a fallthrough to a
// previous match.
func recognize(line string) (Command, bool) {
	for _, e := range commandTable {
		if matchKeyword(line, e.keyword) {
			return e.cmd, true
		}
	}
	return CmdUnknown, false
}

// matchKeyword reports whether line begins with keyword, ignoring case.
func matchKeyword(line, keyword string) bool {
	return len(line) >= len(keyword) && strings.EqualFold(line[:len(keyword)], keyword)
}

// commandArg returns line with the command's keyword prefix removed and
// surrounding whitespace trimmed. Pure function; callers pass a line
// that recognize already matched for cmd.
func commandArg(line string, cmd Command) string {
	for _, e := range commandTable {
		if e.cmd == cmd {
			if len(line) < len(e.keyword) {
				return ""
			}
			return strings.TrimSpace(line[len(e.keyword):])
		}
	}
	return ""
}
