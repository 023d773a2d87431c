// Package digest implements the client side of HTTP digest authentication
// (RFC 2617) for the content server. The challenge context is kept in a
// Session so the same negotiation can authorize the multipart POST, a resend
// after 503, and the later resume PUT/GET without re-challenging.
package digest

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync/atomic"
)

// Challenge holds the fields of a WWW-Authenticate digest challenge.
type Challenge struct {
	Realm     string
	Nonce     string
	Opaque    string
	QOP       string
	Algorithm string
}

// ParseChallenge parses the value of a WWW-Authenticate header.
func ParseChallenge(header string) (*Challenge, error) {
	const prefix = "Digest "

	if !strings.HasPrefix(header, prefix) {
		return nil, fmt.Errorf("not a digest challenge: %q", header)
	}

	ch := &Challenge{Algorithm: "MD5"}

	for _, part := range splitParams(header[len(prefix):]) {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}

		value = strings.Trim(strings.TrimSpace(value), `"`)

		switch strings.ToLower(strings.TrimSpace(key)) {
		case "realm":
			ch.Realm = value
		case "nonce":
			ch.Nonce = value
		case "opaque":
			ch.Opaque = value
		case "qop":
			// Servers may offer "auth,auth-int"; we only do "auth".
			for _, qop := range strings.Split(value, ",") {
				if strings.TrimSpace(qop) == "auth" {
					ch.QOP = "auth"
				}
			}
		case "algorithm":
			ch.Algorithm = value
		}
	}

	if ch.Nonce == "" {
		return nil, fmt.Errorf("digest challenge without nonce: %q", header)
	}

	return ch, nil
}

// splitParams splits a comma-separated parameter list, honoring quotes.
func splitParams(s string) []string {
	var (
		params []string
		depth  bool
		start  int
	)

	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			depth = !depth
		case ',':
			if !depth {
				params = append(params, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}

	params = append(params, strings.TrimSpace(s[start:]))

	return params
}

// Session computes Authorization headers against one challenge, keeping the
// nonce count across requests.
type Session struct {
	challenge *Challenge
	username  string
	password  string
	nc        atomic.Uint32

	// cnonce generation is injectable for deterministic tests.
	newCnonce func() string
}

// NewSession binds credentials to a parsed challenge.
func NewSession(ch *Challenge, username, password string) *Session {
	return &Session{
		challenge: ch,
		username:  username,
		password:  password,
		newCnonce: randomCnonce,
	}
}

// Authorize returns the Authorization header value for one request. Each call
// increments the nonce count so the server accepts replayed challenges.
func (s *Session) Authorize(method, uri string) string {
	ch := s.challenge
	ha1 := h(s.username + ":" + ch.Realm + ":" + s.password)
	ha2 := h(method + ":" + uri)

	var sb strings.Builder
	fmt.Fprintf(&sb, `Digest username=%q, realm=%q, nonce=%q, uri=%q`,
		s.username, ch.Realm, ch.Nonce, uri)

	if ch.QOP == "auth" {
		nc := fmt.Sprintf("%08x", s.nc.Add(1))
		cnonce := s.newCnonce()
		response := h(ha1 + ":" + ch.Nonce + ":" + nc + ":" + cnonce + ":auth:" + ha2)
		fmt.Fprintf(&sb, `, qop=auth, nc=%s, cnonce=%q, response=%q`, nc, cnonce, response)
	} else {
		response := h(ha1 + ":" + ch.Nonce + ":" + ha2)
		fmt.Fprintf(&sb, `, response=%q`, response)
	}

	if ch.Opaque != "" {
		fmt.Fprintf(&sb, `, opaque=%q`, ch.Opaque)
	}

	if ch.Algorithm != "" {
		fmt.Fprintf(&sb, `, algorithm=%s`, ch.Algorithm)
	}

	return sb.String()
}

func h(data string) string {
	sum := md5.Sum([]byte(data))
	return hex.EncodeToString(sum[:])
}

func randomCnonce() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
