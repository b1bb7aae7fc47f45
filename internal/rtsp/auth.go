package rtsp

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	ErrNoCredentials       = errors.New("server requires authentication but no credentials were provided")
	ErrUnsupportedAuthType = errors.New("unsupported authentication scheme")
)

// Auth builds the Authorization header of a request.
type Auth interface {
	Header(method Method, uri string) string
}

// NewAuth picks a scheme out of the WWW-Authenticate values of a 401 response.
// Digest is preferred over Basic when the server offers both.
func NewAuth(user *url.Userinfo, challenges []string) (Auth, error) {
	if user == nil {
		return nil, ErrNoCredentials
	}

	username := user.Username()
	password, _ := user.Password()

	var basic Auth

	for _, challenge := range challenges {
		scheme, params, _ := strings.Cut(strings.TrimSpace(challenge), " ")

		switch strings.ToLower(scheme) {
		case "digest":
			return newDigestAuth(username, password, params)
		case "basic":
			basic = newBasicAuth(username, password)
		}
	}

	if basic != nil {
		return basic, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrUnsupportedAuthType, challenges)
}

// basicAuth implements https://datatracker.ietf.org/doc/html/rfc7617
type basicAuth struct {
	header string
}

func newBasicAuth(username, password string) *basicAuth {
	token := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	return &basicAuth{header: "Basic " + token}
}

func (a *basicAuth) Header(Method, string) string {
	return a.header
}

// digestAuth implements https://datatracker.ietf.org/doc/html/rfc7616 with MD5.
type digestAuth struct {
	username string
	password string
	realm    string
	nonce    string
	opaque   string
	qop      string
	nc       int
}

func newDigestAuth(username, password, params string) (*digestAuth, error) {
	a := &digestAuth{
		username: username,
		password: password,
	}

	for _, kv := range splitAuthParams(params) {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}

		value = strings.Trim(strings.TrimSpace(value), `"`)

		switch strings.ToLower(strings.TrimSpace(key)) {
		case "realm":
			a.realm = value
		case "nonce":
			a.nonce = value
		case "opaque":
			a.opaque = value
		case "qop":
			for _, q := range strings.Split(value, ",") {
				if strings.TrimSpace(q) == "auth" {
					a.qop = "auth"
				}
			}
		case "algorithm":
			if !strings.EqualFold(value, "MD5") {
				return nil, fmt.Errorf("%w: digest algorithm %s", ErrUnsupportedAuthType, value)
			}
		}
	}

	if a.nonce == "" {
		return nil, errors.New("digest challenge without nonce")
	}

	return a, nil
}

// splitAuthParams splits on commas that are not inside quotes.
func splitAuthParams(s string) []string {
	var (
		ret    []string
		quoted bool
		start  int
	)

	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			quoted = !quoted
		case ',':
			if !quoted {
				ret = append(ret, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}

	if rest := strings.TrimSpace(s[start:]); rest != "" {
		ret = append(ret, rest)
	}

	return ret
}

func md5Hex(format string, args ...interface{}) string {
	sum := md5.Sum([]byte(fmt.Sprintf(format, args...)))
	return hex.EncodeToString(sum[:])
}

func (a *digestAuth) Header(method Method, uri string) string {
	ha1 := md5Hex("%s:%s:%s", a.username, a.realm, a.password)
	ha2 := md5Hex("%s:%s", method, uri)

	var sb strings.Builder

	if a.qop == "" {
		response := md5Hex("%s:%s:%s", ha1, a.nonce, ha2)
		fmt.Fprintf(&sb,
			`Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s"`,
			a.username, a.realm, a.nonce, uri, response)
	} else {
		a.nc++
		nc := fmt.Sprintf("%08x", a.nc)
		cnonce := newCNonce()
		response := md5Hex("%s:%s:%s:%s:%s:%s", ha1, a.nonce, nc, cnonce, a.qop, ha2)
		fmt.Fprintf(&sb,
			`Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s", qop=%s, nc=%s, cnonce="%s"`,
			a.username, a.realm, a.nonce, uri, response, a.qop, nc, cnonce)
	}

	if a.opaque != "" {
		fmt.Fprintf(&sb, `, opaque="%s"`, a.opaque)
	}

	return sb.String()
}

func newCNonce() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
