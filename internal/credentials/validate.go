package credentials

import (
	"fmt"
	"unicode/utf8"
)

const (
	MinUsernameLength = 4
	MaxUsernameLength = 32
	MinPasswordLength = 8
	MaxPasswordLength = 32

	// AllowedUsernameCharacters describes the username alphabet for error messages.
	AllowedUsernameCharacters = "a-z, A-Z, 0-9, _, -"
)

// Credential names the input a validation error refers to.
type Credential string

const (
	CredentialUsername Credential = "username"
	CredentialPassword Credential = "password"
)

// SizeError reports a credential whose length falls outside [Min, Max].
type SizeError struct {
	Credential Credential
	Length     int
	Min        int
	Max        int
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("credentials: %s must be between %d and %d characters, got %d", e.Credential, e.Min, e.Max, e.Length)
}

// CharacterError reports a credential containing characters outside its alphabet.
type CharacterError struct {
	Credential   Credential
	AllowedChars string
}

func (e *CharacterError) Error() string {
	return fmt.Sprintf("credentials: %s may only contain %s", e.Credential, e.AllowedChars)
}

// ValidateUsername checks the length and alphabet of a username.
func ValidateUsername(username string) error {
	if err := checkSize(CredentialUsername, username, MinUsernameLength, MaxUsernameLength); err != nil {
		return err
	}
	for _, r := range username {
		if !isUsernameRune(r) {
			return &CharacterError{Credential: CredentialUsername, AllowedChars: AllowedUsernameCharacters}
		}
	}
	return nil
}

// ValidatePassword checks the length of a password.
func ValidatePassword(password string) error {
	return checkSize(CredentialPassword, password, MinPasswordLength, MaxPasswordLength)
}

func checkSize(credential Credential, value string, min, max int) error {
	length := utf8.RuneCountInString(value)
	if length < min || length > max {
		return &SizeError{Credential: credential, Length: length, Min: min, Max: max}
	}
	return nil
}

func isUsernameRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '_' || r == '-':
		return true
	default:
		return false
	}
}
