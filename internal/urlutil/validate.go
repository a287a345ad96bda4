package urlutil

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrEmpty is returned for a blank URL.
var ErrEmpty = errors.New("url is required")

// Validate parses a raw target URL and checks that it can be requested.
// The rules are:
// 1. The URL must not be blank.
// 2. It must be an absolute URL with an http or https scheme.
// 3. It must name a host.
// The URL is otherwise left exactly as the user wrote it; pings go to that string.
func Validate(rawURL string) (*url.URL, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, ErrEmpty
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse url: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	if !u.IsAbs() || (scheme != "http" && scheme != "https") {
		return nil, fmt.Errorf("url must be an absolute http or https url")
	}

	if u.Hostname() == "" {
		return nil, fmt.Errorf("url must include a host")
	}

	return u, nil
}
