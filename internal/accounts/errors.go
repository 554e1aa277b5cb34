package accounts

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/duffelbag/internal/credentials"
)

// Kind is the stable, machine-readable category of a domain error.
type Kind string

const (
	KindCredentialSize        Kind = "credential_size_violation"
	KindCredentialCharacter   Kind = "credential_character_violation"
	KindAccountExists         Kind = "account_exists"
	KindPlatformAlreadyLinked Kind = "platform_already_linked"
	KindGameAccountLinked     Kind = "game_account_already_linked"
	KindDeletionAlreadyQueued Kind = "deletion_already_queued"
	KindLoginFailed           Kind = "login_failed"
	KindAlreadyAuthenticating Kind = "already_authenticating"
	KindNotAuthenticating     Kind = "not_authenticating"
	KindVerificationFailed    Kind = "verification_failed"
	KindNoActiveAccount       Kind = "no_active_account"
	KindLinkNotFound          Kind = "link_not_found"
	KindGameAccountNotFound   Kind = "game_account_not_found"
	KindUnsupportedServer     Kind = "unsupported_server"
	KindInvalidEmail          Kind = "invalid_email"
	KindProviderUnavailable   Kind = "provider_unavailable"
	KindInternal              Kind = "internal"
)

// KindOf returns the domain kind of err, or KindInternal for anything else.
func KindOf(err error) Kind {
	var sizeErr *credentials.SizeError
	if errors.As(err, &sizeErr) {
		return KindCredentialSize
	}
	var charErr *credentials.CharacterError
	if errors.As(err, &charErr) {
		return KindCredentialCharacter
	}
	var kinded interface{ Kind() Kind }
	if errors.As(err, &kinded) {
		return kinded.Kind()
	}
	return KindInternal
}

// AccountExistsError reports a taken username.
type AccountExistsError struct {
	Username string
}

func (e *AccountExistsError) Error() string {
	return fmt.Sprintf("accounts: an account named %q already exists", e.Username)
}

func (e *AccountExistsError) Kind() Kind { return KindAccountExists }

// PlatformLinkedError reports a platform account already linked to an account.
// IsOwn is true when the existing owner is the caller.
type PlatformLinkedError struct {
	Username         string
	ExistingUsername string
	IsOwn            bool
	Platform         Platform
	PlatformID       int64
}

func (e *PlatformLinkedError) Error() string {
	return fmt.Sprintf("accounts: %s account %d is already linked to %q", e.Platform, e.PlatformID, e.ExistingUsername)
}

func (e *PlatformLinkedError) Kind() Kind { return KindPlatformAlreadyLinked }

// GameAccountLinkedError reports a game account already bound to an account.
type GameAccountLinkedError struct {
	Username         string
	ExistingUsername string
	IsOwn            bool
}

func (e *GameAccountLinkedError) Error() string {
	return fmt.Sprintf("accounts: game account is already linked to %q", e.ExistingUsername)
}

func (e *GameAccountLinkedError) Kind() Kind { return KindGameAccountLinked }

// DeletionTarget distinguishes the two deletable entity kinds.
type DeletionTarget string

const (
	DeletionTargetAccount     DeletionTarget = "account"
	DeletionTargetGameAccount DeletionTarget = "game_account"
)

// DeletionQueuedError reports an existing pending deletion and its timestamp.
type DeletionQueuedError struct {
	Target     DeletionTarget
	Username   string
	DeletionTS time.Time
}

func (e *DeletionQueuedError) Error() string {
	return fmt.Sprintf("accounts: %s deletion for %q is already queued for %s", e.Target, e.Username, e.DeletionTS.UTC().Format(time.RFC3339))
}

func (e *DeletionQueuedError) Kind() Kind { return KindDeletionAlreadyQueued }

// LoginTarget names what the caller tried to log in with.
type LoginTarget string

const (
	LoginTargetAccount  LoginTarget = "account"
	LoginTargetPlatform LoginTarget = "platform"
)

// LoginError is deliberately opaque about its cause.
type LoginError struct {
	Target   LoginTarget
	Platform Platform
}

func (e *LoginError) Error() string {
	if e.Target == LoginTargetPlatform {
		return fmt.Sprintf("accounts: no account is linked to this %s account", e.Platform)
	}
	return "accounts: invalid username or password"
}

func (e *LoginError) Kind() Kind { return KindLoginFailed }

// AuthenticationStateError reports a verification call made in the wrong state.
// InProgress is true when a verification was already running.
type AuthenticationStateError struct {
	Username   string
	InProgress bool
}

func (e *AuthenticationStateError) Error() string {
	if e.InProgress {
		return fmt.Sprintf("accounts: %q is already verifying a game account", e.Username)
	}
	return fmt.Sprintf("accounts: %q has no game account verification in progress", e.Username)
}

func (e *AuthenticationStateError) Kind() Kind {
	if e.InProgress {
		return KindAlreadyAuthenticating
	}
	return KindNotAuthenticating
}

// VerificationError reports a code the provider rejected.
type VerificationError struct {
	Username string
	Err      error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("accounts: verification failed for %q: %v", e.Username, e.Err)
}

func (e *VerificationError) Unwrap() error { return e.Err }

func (e *VerificationError) Kind() Kind { return KindVerificationFailed }

// NoActiveAccountError reports an owner with several game accounts and none active.
type NoActiveAccountError struct {
	Username string
	Count    int
}

func (e *NoActiveAccountError) Error() string {
	return fmt.Sprintf("accounts: %q has %d game accounts and none is active", e.Username, e.Count)
}

func (e *NoActiveAccountError) Kind() Kind { return KindNoActiveAccount }

// LinkNotFoundError reports a missing platform link.
type LinkNotFoundError struct {
	Username   string
	Platform   Platform
	PlatformID int64
}

func (e *LinkNotFoundError) Error() string {
	if e.Username == "" {
		return fmt.Sprintf("accounts: %s account %d is not linked", e.Platform, e.PlatformID)
	}
	return fmt.Sprintf("accounts: %s account %d is not linked to %q", e.Platform, e.PlatformID, e.Username)
}

func (e *LinkNotFoundError) Kind() Kind { return KindLinkNotFound }

// GameAccountNotFoundError reports a game account the caller does not own.
type GameAccountNotFoundError struct {
	Username      string
	GameAccountID uint64
}

func (e *GameAccountNotFoundError) Error() string {
	return fmt.Sprintf("accounts: game account %d is not linked to %q", e.GameAccountID, e.Username)
}

func (e *GameAccountNotFoundError) Kind() Kind { return KindGameAccountNotFound }

// UnsupportedServerError reports a region with no verification provider.
type UnsupportedServerError struct {
	Server Server
}

func (e *UnsupportedServerError) Error() string {
	return fmt.Sprintf("accounts: game accounts on server %q cannot be linked", e.Server)
}

func (e *UnsupportedServerError) Kind() Kind { return KindUnsupportedServer }

// InvalidEmailError reports an address that is not syntactically valid.
type InvalidEmailError struct {
	Email string
}

func (e *InvalidEmailError) Error() string {
	return fmt.Sprintf("accounts: %q is not a valid email address", e.Email)
}

func (e *InvalidEmailError) Kind() Kind { return KindInvalidEmail }

// ProviderError wraps a verification provider failure outside of code checks.
type ProviderError struct {
	Server Server
	Err    error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("accounts: %s verification provider failed: %v", e.Server, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Kind() Kind { return KindProviderUnavailable }
