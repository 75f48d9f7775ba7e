// Package validation checks values before they reach the platform browser
// opener, a sandbox document or the filesystem.
package validation

import (
	"fmt"
	"net/url"
	"strings"
)

// shellMeta are rejected in anything passed to an external command.
var shellMeta = []string{";", "&", "|", "`", "$", "(", ")", "<", ">", "\"", "'", "\\", "\n", "\r", " "}

// attributeBreakers would end or escape a quoted HTML attribute.
var attributeBreakers = []string{"\"", "'", "<", ">", "`", "\\", "\n", "\r", " ", "\t"}

// ValidateURL checks a URL handed to the platform browser opener. Only
// http and https URLs with a host and no shell metacharacters pass.
func ValidateURL(rawURL string) error {
	parsed, err := parseHTTP(rawURL)
	if err != nil {
		return err
	}
	if c, ok := containsAny(rawURL, shellMeta); ok {
		return fmt.Errorf("URL contains dangerous character: %q", c)
	}
	if parsed.User != nil {
		return fmt.Errorf("URL must not carry credentials")
	}
	return nil
}

// ValidateResourceURL checks a script or stylesheet URL that is written into
// every sandbox document. Secure reports whether it is loaded over https.
func ValidateResourceURL(rawURL string) (secure bool, err error) {
	parsed, err := parseHTTP(rawURL)
	if err != nil {
		return false, err
	}
	if c, ok := containsAny(rawURL, attributeBreakers); ok {
		return false, fmt.Errorf("URL contains %q, which cannot appear in a script source", c)
	}
	return parsed.Scheme == "https", nil
}

func parseHTTP(rawURL string) (*url.URL, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid URL scheme %q (only http/https allowed)", parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("URL must have a valid hostname")
	}
	return parsed, nil
}

func containsAny(s string, chars []string) (string, bool) {
	for _, c := range chars {
		if strings.Contains(s, c) {
			return c, true
		}
	}
	return "", false
}
