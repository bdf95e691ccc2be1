package oauth

import (
	"net/http"
	"strings"
)

// BearerChallenge is the Bearer challenge of a WWW-Authenticate header.
type BearerChallenge struct {
	Realm            string
	Scope            string
	ResourceMetadata string
	Error            string
	ErrorDescription string
}

// ParseBearerChallenge returns the first Bearer challenge across all
// WWW-Authenticate values, or nil.
func ParseBearerChallenge(h http.Header) *BearerChallenge {
	return ParseBearerChallengeValues(h.Values("WWW-Authenticate"))
}

func ParseBearerChallengeValues(values []string) *BearerChallenge {
	for _, v := range values {
		for _, ch := range parseChallenges(v) {
			if !strings.EqualFold(ch.scheme, "bearer") {
				continue
			}
			return &BearerChallenge{
				Realm:            ch.params["realm"],
				Scope:            ch.params["scope"],
				ResourceMetadata: ch.params["resource_metadata"],
				Error:            ch.params["error"],
				ErrorDescription: ch.params["error_description"],
			}
		}
	}
	return nil
}

type challenge struct {
	scheme string
	params map[string]string
}

// parseChallenges splits one header value into challenges (RFC 9110 §11.6.1).
// A token followed by '=' is a parameter of the current challenge; any other
// token starts a new challenge.
func parseChallenges(s string) []challenge {
	var (
		out []challenge
		cur *challenge
		lx  = lexer{s: s}
	)
	for {
		lx.skip(" \t,")
		if lx.done() {
			break
		}
		tok := lx.token()
		if tok == "" {
			if lx.peek() == '"' {
				lx.quoted()
			} else {
				lx.pos++
			}
			continue
		}
		lx.skip(" \t")
		if lx.peek() == '=' {
			lx.pos++
			lx.skip(" \t")
			var val string
			if lx.peek() == '"' {
				val = lx.quoted()
			} else {
				val = lx.token()
			}
			if cur != nil {
				cur.params[strings.ToLower(tok)] = val
			}
			continue
		}
		out = append(out, challenge{scheme: tok, params: map[string]string{}})
		cur = &out[len(out)-1]
	}
	return out
}

type lexer struct {
	s   string
	pos int
}

func (l *lexer) done() bool { return l.pos >= len(l.s) }

func (l *lexer) peek() byte {
	if l.done() {
		return 0
	}
	return l.s[l.pos]
}

func (l *lexer) skip(set string) {
	for !l.done() && strings.IndexByte(set, l.s[l.pos]) >= 0 {
		l.pos++
	}
}

func (l *lexer) token() string {
	start := l.pos
	for !l.done() && isTChar(l.s[l.pos]) {
		l.pos++
	}
	return l.s[start:l.pos]
}

// quoted consumes a quoted-string, unescaping quoted-pairs. An unterminated
// string runs to the end of input.
func (l *lexer) quoted() string {
	l.pos++
	var b strings.Builder
	for !l.done() {
		c := l.s[l.pos]
		switch {
		case c == '\\' && l.pos+1 < len(l.s):
			b.WriteByte(l.s[l.pos+1])
			l.pos += 2
		case c == '"':
			l.pos++
			return b.String()
		default:
			b.WriteByte(c)
			l.pos++
		}
	}
	return b.String()
}

func isTChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0
}
