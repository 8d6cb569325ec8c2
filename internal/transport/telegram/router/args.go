package router

import (
	"strings"

	"github.com/google/uuid"
)

func isSpaceByte(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isDigitByte(c byte) bool {
	return c >= '0' && c <= '9'
}

// readToken consumes one whitespace-delimited token from the start of s,
// honoring single and double quotes, and returns the unquoted token plus the
// number of bytes consumed. An unterminated quote runs to the end of s.
func readToken(s string) (string, int) {
	var b strings.Builder
	var quote byte
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
				i++
				continue
			}
			b.WriteByte(c)
			i++
		case c == '"' || c == '\'':
			quote = c
			i++
		case isSpaceByte(c):
			return b.String(), i
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String(), i
}

// tokenizeCommandLine splits a command line into tokens, honoring quotes so
// note bodies and reminder messages can contain spaces:
//
//	/notes add 42 temp "spamming invite links"
//
// It also returns the byte offset where each token starts in s, which lets
// the router recover the raw argument tail with quoting intact.
func tokenizeCommandLine(s string) ([]string, []int) {
	var (
		toks []string
		offs []int
	)
	i := 0
	for i < len(s) {
		for i < len(s) && isSpaceByte(s[i]) {
			i++
		}
		if i >= len(s) {
			break
		}
		offs = append(offs, i)
		tok, n := readToken(s[i:])
		toks = append(toks, tok)
		i += n
	}
	return toks, offs
}

// CutToken splits off the first token of s (quote-aware) and returns it with
// the untouched remainder. Handlers use it to peel fixed leading arguments off
// Request.Rest while keeping the free-text tail intact.
func CutToken(s string) (tok, rest string) {
	i := 0
	for i < len(s) && isSpaceByte(s[i]) {
		i++
	}
	if i >= len(s) {
		return "", ""
	}
	tok, n := readToken(s[i:])
	return tok, strings.TrimLeft(s[i+n:], " \t\n\r")
}

// parseFlags separates positional arguments from --key value and --switch
// flags. Flags named in switches never consume a value, so "--all 42" keeps
// 42 positional; any other flag takes the next token as its value unless
// that token is itself a flag, in which case it is boolean. --key=value is
// accepted too. A bare "--" ends flag parsing and everything after it is
// positional. Tokens like "-5" stay positional so negative numbers survive.
func parseFlags(args, switches []string) (pos []string, flags map[string]string, bools map[string]bool) {
	flags = map[string]string{}
	bools = map[string]bool{}
	i := 0
	for i < len(args) {
		a := args[i]
		if a == "--" {
			pos = append(pos, args[i+1:]...)
			break
		}
		if len(a) > 1 && a[0] == '-' && !isDigitByte(a[1]) {
			name := strings.TrimLeft(a, "-")
			if name == "" {
				i++
				continue
			}
			if eq := strings.IndexByte(name, '='); eq >= 0 {
				flags[strings.ToLower(name[:eq])] = name[eq+1:]
				i++
				continue
			}
			name = strings.ToLower(name)
			if !isSwitchName(name, switches) && i+1 < len(args) && !isFlagToken(args[i+1]) {
				flags[name] = args[i+1]
				i += 2
				continue
			}
			bools[name] = true
			i++
			continue
		}
		pos = append(pos, a)
		i++
	}
	return pos, flags, bools
}

func isSwitchName(name string, switches []string) bool {
	for _, s := range switches {
		if strings.EqualFold(s, name) {
			return true
		}
	}
	return false
}

func isFlagToken(a string) bool {
	return len(a) > 1 && a[0] == '-' && !isDigitByte(a[1])
}

func newReqID() string {
	return uuid.NewString()
}
