package rtsp

import (
	"strconv"
	"strings"
	"time"
)

// DefaultSessionTimeout is used when the Session header carries no timeout.
const DefaultSessionTimeout = 60 * time.Second

// ParseSession parses a Session header value like "12345678;timeout=60".
func ParseSession(v string) (string, time.Duration) {
	id, params, _ := strings.Cut(v, ";")
	id = strings.TrimSpace(id)

	timeout := DefaultSessionTimeout

	for params != "" {
		var param string
		param, params, _ = strings.Cut(params, ";")

		key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || strings.ToLower(strings.TrimSpace(key)) != "timeout" {
			continue
		}

		if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && seconds > 0 {
			timeout = time.Duration(seconds) * time.Second
		}
	}

	return id, timeout
}
