package validate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidEmail is returned for addresses that are not a bare mailbox.
var ErrInvalidEmail = errors.New("invalid email address")

const (
	maxEmailLength     = 254
	maxLocalPartLength = 64
)

var emailPattern = regexp.MustCompile(`^[a-z0-9._%+\-]+@[a-z0-9\-]+(\.[a-z0-9\-]+)*\.[a-z]{2,}$`)

// Email validates a bare mailbox address such as a payer email or the SMTP
// sender. The provider matches payers by address, so the result is trimmed
// and lowercased. Display-name forms ("Name <a@b.c>") are rejected.
func Email(email string) (string, error) {
	email, err := String(strings.ToLower(email), StringConstraints{
		MaxLength: maxEmailLength,
		TrimSpace: true,
	})
	if err != nil {
		return "", err
	}

	local, _, ok := strings.Cut(email, "@")
	if !ok || !emailPattern.MatchString(email) {
		return "", fmt.Errorf("%w: %q", ErrInvalidEmail, email)
	}
	if len(local) > maxLocalPartLength {
		return "", fmt.Errorf("%w: local part exceeds %d characters", ErrStringTooLong, maxLocalPartLength)
	}
	if strings.HasPrefix(local, ".") || strings.HasSuffix(local, ".") || strings.Contains(local, "..") {
		return "", fmt.Errorf("%w: misplaced dot in %q", ErrInvalidEmail, email)
	}
	return email, nil
}
