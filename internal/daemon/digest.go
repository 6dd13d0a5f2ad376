package daemon

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
)

// digestAuth implements RFC 2617 digest authentication with qop=auth, the
// scheme monerod uses for --rpc-login.
type digestAuth struct {
	username string
	password string

	mu     sync.Mutex
	realm  string
	nonce  string
	opaque string
	nc     uint32
}

func newDigestAuth(username, password string) *digestAuth {
	return &digestAuth{username: username, password: password}
}

// authorize consumes a WWW-Authenticate challenge and produces an
// Authorization header for the given request.
func (d *digestAuth) authorize(challenge, method, uri string) (string, error) {
	params, err := parseChallenge(challenge)
	if err != nil {
		return "", err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.realm = params["realm"]
	d.nonce = params["nonce"]
	d.opaque = params["opaque"]
	d.nc = 0
	if d.nonce == "" {
		return "", fmt.Errorf("digest challenge is missing a nonce")
	}
	return d.headerLocked(method, uri)
}

// reuse builds an Authorization header from the most recent challenge, if one
// has been seen. Avoids a 401 round trip on every request.
func (d *digestAuth) reuse(method, uri string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.nonce == "" {
		return "", false
	}
	header, err := d.headerLocked(method, uri)
	if err != nil {
		return "", false
	}
	return header, true
}

func (d *digestAuth) headerLocked(method, uri string) (string, error) {
	d.nc++
	cnonce, err := newCnonce()
	if err != nil {
		return "", err
	}
	nc := fmt.Sprintf("%08x", d.nc)

	ha1 := md5Hex(fmt.Sprintf("%s:%s:%s", d.username, d.realm, d.password))
	ha2 := md5Hex(fmt.Sprintf("%s:%s", method, uri))
	response := md5Hex(fmt.Sprintf("%s:%s:%s:%s:auth:%s", ha1, d.nonce, nc, cnonce, ha2))

	var b strings.Builder
	fmt.Fprintf(&b, `Digest username=%q, realm=%q, nonce=%q, uri=%q, qop=auth, nc=%s, cnonce=%q, response=%q`,
		d.username, d.realm, d.nonce, uri, nc, cnonce, response)
	if d.opaque != "" {
		fmt.Fprintf(&b, `, opaque=%q`, d.opaque)
	}
	return b.String(), nil
}

func parseChallenge(challenge string) (map[string]string, error) {
	const prefix = "Digest "
	if !strings.HasPrefix(challenge, prefix) {
		return nil, fmt.Errorf("unsupported authentication scheme in challenge %q", challenge)
	}
	params := make(map[string]string)
	for _, part := range splitChallenge(challenge[len(prefix):]) {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		params[key] = strings.Trim(value, `"`)
	}
	return params, nil
}

// splitChallenge splits on commas outside quoted strings.
func splitChallenge(s string) []string {
	var parts []string
	var start int
	inQuotes := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuotes = !inQuotes
		case ',':
			if !inQuotes {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

func md5Hex(s string) string {
	digest := md5.Sum([]byte(s))
	return hex.EncodeToString(digest[:])
}

func newCnonce() (string, error) {
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("failed to generate cnonce: %w", err)
	}
	return hex.EncodeToString(raw[:]), nil
}
