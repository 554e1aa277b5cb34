package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/duffelbag/internal/accounts"
	"github.com/MarcoPoloResearchLab/duffelbag/internal/credentials"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/text/language"
)

const (
	kindUnauthorized = "unauthorized"
	kindBadRequest   = "bad_request"
)

type errorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

var statusByKind = map[accounts.Kind]int{
	accounts.KindCredentialSize:        http.StatusBadRequest,
	accounts.KindCredentialCharacter:   http.StatusBadRequest,
	accounts.KindUnsupportedServer:     http.StatusBadRequest,
	accounts.KindInvalidEmail:          http.StatusBadRequest,
	accounts.KindVerificationFailed:    http.StatusBadRequest,
	accounts.KindLoginFailed:           http.StatusUnauthorized,
	accounts.KindLinkNotFound:          http.StatusNotFound,
	accounts.KindGameAccountNotFound:   http.StatusNotFound,
	accounts.KindAccountExists:         http.StatusConflict,
	accounts.KindPlatformAlreadyLinked: http.StatusConflict,
	accounts.KindGameAccountLinked:     http.StatusConflict,
	accounts.KindDeletionAlreadyQueued: http.StatusConflict,
	accounts.KindAlreadyAuthenticating: http.StatusConflict,
	accounts.KindNotAuthenticating:     http.StatusConflict,
	accounts.KindNoActiveAccount:       http.StatusConflict,
	accounts.KindProviderUnavailable:   http.StatusBadGateway,
}

func statusFor(kind accounts.Kind) int {
	if status, ok := statusByKind[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	kind := accounts.KindOf(err)
	status := statusFor(kind)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}

	tag := h.locale(c)
	key, details := describeError(err, kind, h.localiser.Timestamp, tag)
	c.JSON(status, errorResponse{
		Error:   string(kind),
		Message: h.localiser.Message(tag, key, details),
		Details: details,
	})
}

func (h *httpHandler) abortUnauthorized(c *gin.Context, cause error) {
	tag := h.locale(c)
	response := errorResponse{
		Error:   kindUnauthorized,
		Message: h.localiser.Message(tag, "error."+kindUnauthorized, nil),
	}
	if cause != nil {
		h.logger.Debug("request rejected", zap.Error(cause))
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, response)
}

func (h *httpHandler) abortBadRequest(c *gin.Context, reason string) {
	tag := h.locale(c)
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{
		Error:   kindBadRequest,
		Message: h.localiser.Message(tag, "error."+kindBadRequest, nil),
		Details: map[string]string{"reason": reason},
	})
}

// describeError picks the catalog key and the structured details for err.
// Details double as the message placeholders.
func describeError(err error, kind accounts.Kind, timestamp func(language.Tag, time.Time) string, tag language.Tag) (string, map[string]string) {
	key := "error." + string(kind)
	details := map[string]string{}

	var (
		sizeErr        *credentials.SizeError
		charErr        *credentials.CharacterError
		existsErr      *accounts.AccountExistsError
		platformErr    *accounts.PlatformLinkedError
		gameLinkedErr  *accounts.GameAccountLinkedError
		queuedErr      *accounts.DeletionQueuedError
		loginErr       *accounts.LoginError
		noActiveErr    *accounts.NoActiveAccountError
		linkErr        *accounts.LinkNotFoundError
		gameMissingErr *accounts.GameAccountNotFoundError
		serverErr      *accounts.UnsupportedServerError
		emailErr       *accounts.InvalidEmailError
		providerErr    *accounts.ProviderError
	)
	switch {
	case errors.As(err, &sizeErr):
		details["credential"] = string(sizeErr.Credential)
		details["length"] = strconv.Itoa(sizeErr.Length)
		details["min"] = strconv.Itoa(sizeErr.Min)
		details["max"] = strconv.Itoa(sizeErr.Max)
	case errors.As(err, &charErr):
		details["credential"] = string(charErr.Credential)
		details["allowed"] = charErr.AllowedChars
	case errors.As(err, &existsErr):
		details["username"] = existsErr.Username
	case errors.As(err, &platformErr):
		details["platform"] = string(platformErr.Platform)
		details["platform_id"] = strconv.FormatInt(platformErr.PlatformID, 10)
		if platformErr.IsOwn {
			key += "_own"
		} else {
			details["existing_username"] = platformErr.ExistingUsername
		}
	case errors.As(err, &gameLinkedErr):
		if gameLinkedErr.IsOwn {
			key += "_own"
		} else {
			details["existing_username"] = gameLinkedErr.ExistingUsername
		}
	case errors.As(err, &queuedErr):
		details["target"] = string(queuedErr.Target)
		details["deletion_ts"] = timestamp(tag, queuedErr.DeletionTS)
	case errors.As(err, &loginErr):
		if loginErr.Target == accounts.LoginTargetPlatform {
			key += "_platform"
			details["platform"] = string(loginErr.Platform)
		}
	case errors.As(err, &noActiveErr):
		details["count"] = strconv.Itoa(noActiveErr.Count)
	case errors.As(err, &linkErr):
		details["platform"] = string(linkErr.Platform)
		details["platform_id"] = strconv.FormatInt(linkErr.PlatformID, 10)
	case errors.As(err, &gameMissingErr):
		details["game_account_id"] = strconv.FormatUint(gameMissingErr.GameAccountID, 10)
	case errors.As(err, &serverErr):
		details["server"] = string(serverErr.Server)
	case errors.As(err, &emailErr):
		details["email"] = emailErr.Email
	case errors.As(err, &providerErr):
		details["server"] = string(providerErr.Server)
	}
	if len(details) == 0 {
		return key, nil
	}
	return key, details
}
