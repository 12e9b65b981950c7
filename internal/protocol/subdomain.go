package protocol

import (
	"crypto/rand"
	"errors"
	"regexp"
)

var validSubdomainRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// ErrSubdomainExhausted is returned when repeated draws keep colliding with
// live registrations. Callers close the session with a try-again-later code.
var ErrSubdomainExhausted = errors.New("could not allocate a free subdomain")

// generateRandomString produces a cryptographically random string of the given
// length using characters from SubdomainAlphabet.
func generateRandomString(length int) string {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	alphabetLen := len(SubdomainAlphabet)
	result := make([]byte, length)
	for i, b := range buf {
		result[i] = SubdomainAlphabet[int(b)%alphabetLen]
	}
	return string(result)
}

// GenerateSubdomain returns a random subdomain label of SubdomainLength characters.
func GenerateSubdomain() string {
	return generateRandomString(SubdomainLength)
}

// GenerateFreeSubdomain draws random labels until one is not taken, bounded
// by SubdomainMaxAttempts.
func GenerateFreeSubdomain(taken func(string) bool) (string, error) {
	for i := 0; i < SubdomainMaxAttempts; i++ {
		label := GenerateSubdomain()
		if !taken(label) {
			return label, nil
		}
	}
	return "", ErrSubdomainExhausted
}

// ValidateSubdomain checks whether a label is a valid DNS label for this
// relay. It returns (true, "") on success, or (false, reason) on failure.
func ValidateSubdomain(subdomain string) (bool, string) {
	if len(subdomain) == 0 {
		return false, "subdomain must not be empty"
	}
	if len(subdomain) > 63 {
		return false, "subdomain must be at most 63 characters"
	}
	if !validSubdomainRe.MatchString(subdomain) {
		return false, "subdomain must contain only lowercase alphanumeric characters and hyphens, and must not start or end with a hyphen"
	}
	return true, ""
}
