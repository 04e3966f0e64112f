package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	MaxChannelLength = 64
	MaxUIDLength     = 128
)

// UIDRegex admits wallet addresses and account handles.
var UIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:@-]+$`)

// ValidateChannel checks a relay channel name. Channels are passed to the relay
// verbatim, so only emptiness, length and control characters are rejected.
func ValidateChannel(channel string) error {
	if strings.TrimSpace(channel) == "" {
		return fmt.Errorf("channel is required")
	}
	if utf8.RuneCountInString(channel) > MaxChannelLength {
		return fmt.Errorf("channel is too long (max %d characters)", MaxChannelLength)
	}
	for _, r := range channel {
		if unicode.IsControl(r) {
			return fmt.Errorf("channel contains control characters")
		}
	}
	return nil
}

// ValidateUID validates the caller identifier embedded in participant identities.
func ValidateUID(uid string) error {
	if uid == "" {
		return fmt.Errorf("uid is required")
	}
	if len(uid) > MaxUIDLength {
		return fmt.Errorf("uid is too long (max %d characters)", MaxUIDLength)
	}
	if !UIDRegex.MatchString(uid) {
		return fmt.Errorf("uid contains invalid characters")
	}
	return nil
}

// ValidateRelayURL requires a ws or wss URL with a host.
func ValidateRelayURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be ws or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
