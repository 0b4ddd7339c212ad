// Package wwwauth parses WWW-Authenticate challenges so that a probed
// server's authorization requirements can be pre-filled into a target.
package wwwauth

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// Challenge is a parsed WWW-Authenticate header.
type Challenge struct {
	Scheme string
	Realm  string

	// Issuer is set when the realm is a URL, which OAuth-protected
	// servers commonly use to point at their authorization server.
	Issuer string

	// ResourceMetadataURL points at the protected-resource metadata
	// document when the server advertises one.
	ResourceMetadataURL string

	Scope            string
	Error            string
	ErrorDescription string
}

// Parse parses a WWW-Authenticate header value. It supports the Bearer
// scheme with OAuth 2.0 parameters, e.g.
//
//	Bearer realm="https://auth.example.com", scope="openid profile"
func Parse(header string) (*Challenge, error) {
	if header == "" {
		return nil, fmt.Errorf("empty WWW-Authenticate header")
	}

	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	challenge := &Challenge{Scheme: parts[0]}

	if len(parts) > 1 {
		params := parseParams(parts[1])

		if realm, ok := params["realm"]; ok {
			challenge.Realm = realm
			if strings.HasPrefix(realm, "http://") || strings.HasPrefix(realm, "https://") {
				challenge.Issuer = realm
			}
		}
		if v, ok := params["resource_metadata"]; ok {
			challenge.ResourceMetadataURL = v
		}
		if v, ok := params["scope"]; ok {
			challenge.Scope = v
		}
		if v, ok := params["error"]; ok {
			challenge.Error = v
		}
		if v, ok := params["error_description"]; ok {
			challenge.ErrorDescription = v
		}
	}

	return challenge, nil
}

var paramRegex = regexp.MustCompile(`(\w+)="([^"]*)"`)

// parseParams extracts key="value" pairs from the parameter portion.
func parseParams(paramStr string) map[string]string {
	params := make(map[string]string)
	for _, match := range paramRegex.FindAllStringSubmatch(paramStr, -1) {
		params[strings.ToLower(match[1])] = match[2]
	}
	return params
}

// FromResponse extracts a challenge from a 401 response, or nil when none
// is present or parseable.
func FromResponse(resp *http.Response) *Challenge {
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		return nil
	}

	header := resp.Header.Get("WWW-Authenticate")
	if header == "" {
		return nil
	}

	challenge, err := Parse(header)
	if err != nil {
		return nil
	}
	return challenge
}

// FromError extracts a challenge from an error message, as a best-effort
// fallback when the HTTP response is not directly available. Returns nil
// when the error does not look like a 401 at all.
func FromError(err error) *Challenge {
	if !Is401(err) {
		return nil
	}

	errStr := err.Error()
	if idx := strings.Index(errStr, "Bearer"); idx >= 0 {
		remaining := errStr[idx:]
		if endIdx := strings.IndexAny(remaining, "\n\r"); endIdx > 0 {
			remaining = remaining[:endIdx]
		}
		if challenge, parseErr := Parse(remaining); parseErr == nil {
			return challenge
		}
	}

	// The server wants auth but told us nothing more.
	return &Challenge{Scheme: "Bearer"}
}

// Is401 checks whether an error message indicates a 401 response.
func Is401(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "401") ||
		strings.Contains(strings.ToLower(errStr), "unauthorized")
}
