package session

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/bilbercode/rtsp-reader/internal/rtsp"
	"github.com/bilbercode/rtsp-reader/pkg/liberrors"
)

// do sends a request with the session headers. A 401 response is answered
// once with credentials built from the challenge.
func (s *Session) do(ctx context.Context, method rtsp.Method, u string, extra map[string]string) (*rtsp.Response, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil, fmt.Errorf("%w: not connected", liberrors.ErrIO)
	}

	for attempt := 0; ; attempt++ {
		req := &rtsp.Request{
			Method: method,
			Url:    u,
			Header: http.Header{},
		}
		for k, v := range extra {
			req.Header.Set(k, v)
		}
		req.Header.Set("User-Agent", s.cfg.UserAgent)

		s.mu.Lock()
		if s.id != "" {
			req.Header.Set("Session", s.id)
		}
		if s.auth != nil {
			req.Header.Set("Authorization", s.auth.Header(method, u))
		}
		s.mu.Unlock()

		rctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		res, err := conn.SendRequest(rctx, req)
		cancel()
		if err != nil {
			return nil, err
		}

		if res.Code != http.StatusUnauthorized {
			return res, nil
		}

		if attempt > 0 {
			return nil, fmt.Errorf("%w: credentials rejected", liberrors.ErrAuth)
		}

		auth, err := rtsp.NewAuth(s.cfg.URL.User, res.Header.Values("WWW-Authenticate"))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", liberrors.ErrAuth, err)
		}

		s.mu.Lock()
		s.auth = auth
		s.mu.Unlock()
	}
}

// requestURL returns u without credentials.
func requestURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	c := *u
	c.User = nil
	return c.String()
}

// baseURL resolves the URL that relative control attributes refer to.
func baseURL(request *url.URL, res *rtsp.Response) (*url.URL, error) {
	for _, key := range []string{"Content-Base", "Content-Location"} {
		v := strings.TrimSpace(res.Header.Get(key))
		if v == "" {
			continue
		}

		u, err := request.Parse(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
		if u.User == nil {
			u.User = request.User
		}
		return u, nil
	}

	c := *request
	return &c, nil
}

// aggregateURL is the target of PLAY, TEARDOWN and the keep-alives.
func (s *Session) aggregateURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.baseURL != nil {
		return requestURL(s.baseURL)
	}
	return requestURL(s.cfg.URL)
}
