package perch

import (
	"fmt"
	"strings"
)

// ValidateAddress strips optional angle brackets from arg and checks
// the loose local@domain.label shape the engine accepts: a non-empty
// local part, an @, a final dot preceded by at least two characters,
// and a non-empty final label. It returns the cleaned address.
//
// This is deliberately laxer than full RFC 5321 address syntax (no
// address literals, no quoted local parts). Embedding applications
// depend on the current laxity, so the shape check must not be
// tightened.
func ValidateAddress(arg string) (string, error) {
	addr := strings.TrimSpace(arg)
	if strings.HasPrefix(addr, "<") && strings.HasSuffix(addr, ">") && len(addr) >= 2 {
		addr = addr[1 : len(addr)-1]
	}

	dot := strings.LastIndexByte(addr, '.')
	if dot < 2 || dot == len(addr)-1 {
		return "", fmt.Errorf("%w: %s", ErrBadAddress, arg)
	}
	at := strings.IndexByte(addr, '@')
	if at < 1 || at > dot {
		return "", fmt.Errorf("%w: %s", ErrBadAddress, arg)
	}
	return addr, nil
}
