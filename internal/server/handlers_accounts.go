package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/duffelbag/internal/accounts"
	"github.com/gin-gonic/gin"
)

type credentialsPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type passwordPayload struct {
	Password string `json:"password"`
}

type recoverPayload struct {
	NewPassword string `json:"new_password"`
}

type changePasswordPayload struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type removeLinkPayload struct {
	Password   string `json:"password"`
	Platform   string `json:"platform"`
	PlatformID int64  `json:"platform_id"`
}

type accountResponse struct {
	ID        uint64    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

type linkResponse struct {
	Platform   accounts.Platform `json:"platform"`
	PlatformID int64             `json:"platform_id"`
}

type deletionResponse struct {
	Target        accounts.DeletionTarget `json:"target"`
	GameAccountID uint64                  `json:"game_account_id,omitempty"`
	DeletionTS    time.Time               `json:"deletion_ts"`
}

func newAccountResponse(account accounts.Account) accountResponse {
	return accountResponse{ID: account.ID, Username: account.Username, CreatedAt: account.CreatedAt.UTC()}
}

func (h *httpHandler) handleCreateAccount(c *gin.Context) {
	var request credentialsPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.abortBadRequest(c, "invalid_request")
		return
	}
	current := h.caller(c)
	account, err := h.accounts.CreateAccount(c.Request.Context(), accounts.CreateAccountRequest{
		Username:   request.Username,
		Password:   request.Password,
		Platform:   current.Platform,
		PlatformID: current.PlatformID,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newAccountResponse(account))
}

// handleLogin checks the credentials and links the calling platform account.
// Logging in again from an already linked platform account is not an error.
func (h *httpHandler) handleLogin(c *gin.Context) {
	var request credentialsPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.abortBadRequest(c, "invalid_request")
		return
	}
	ctx := c.Request.Context()
	account, err := h.accounts.Login(ctx, request.Username, request.Password)
	if err != nil {
		h.writeError(c, err)
		return
	}
	current := h.caller(c)
	if _, err := h.accounts.AddPlatformLink(ctx, account, current.Platform, current.PlatformID); err != nil {
		var linked *accounts.PlatformLinkedError
		if !errors.As(err, &linked) || !linked.IsOwn {
			h.writeError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, newAccountResponse(account))
}

func (h *httpHandler) handleRecover(c *gin.Context) {
	var request recoverPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.abortBadRequest(c, "invalid_request")
		return
	}
	current := h.caller(c)
	account, err := h.accounts.RecoverAccount(c.Request.Context(), current.Platform, current.PlatformID, request.NewPassword)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newAccountResponse(account))
}

func (h *httpHandler) handleGetAccount(c *gin.Context) {
	c.JSON(http.StatusOK, newAccountResponse(h.account(c)))
}

func (h *httpHandler) handleScheduleAccountDeletion(c *gin.Context) {
	var request passwordPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.abortBadRequest(c, "invalid_request")
		return
	}
	scheduled, err := h.accounts.ScheduleAccountDeletion(c.Request.Context(), h.account(c), request.Password)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, deletionResponse{
		Target:     accounts.DeletionTargetAccount,
		DeletionTS: scheduled.DeletionTS.UTC(),
	})
}

func (h *httpHandler) handleChangePassword(c *gin.Context) {
	var request changePasswordPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.abortBadRequest(c, "invalid_request")
		return
	}
	if _, err := h.accounts.ChangePassword(c.Request.Context(), h.account(c), request.CurrentPassword, request.NewPassword); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListLinks(c *gin.Context) {
	var filter *accounts.Platform
	if raw := strings.TrimSpace(c.Query("platform")); raw != "" {
		platform, err := accounts.ParsePlatform(raw)
		if err != nil {
			h.abortBadRequest(c, "unknown_platform")
			return
		}
		filter = &platform
	}
	links, err := h.accounts.ListPlatformLinks(c.Request.Context(), h.account(c), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response := make([]linkResponse, 0, len(links))
	for _, link := range links {
		response = append(response, linkResponse{Platform: link.PlatformName, PlatformID: link.PlatformID})
	}
	c.JSON(http.StatusOK, gin.H{"links": response})
}

func (h *httpHandler) handleRemoveLink(c *gin.Context) {
	var request removeLinkPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.abortBadRequest(c, "invalid_request")
		return
	}
	platform, err := accounts.ParsePlatform(request.Platform)
	if err != nil {
		h.abortBadRequest(c, "unknown_platform")
		return
	}
	account := h.account(c)
	if err := h.accounts.VerifyPassword(account, request.Password); err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.accounts.RemovePlatformLink(c.Request.Context(), account, platform, request.PlatformID); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handlePendingDeletions(c *gin.Context) {
	pending, err := h.accounts.PendingDeletions(c.Request.Context(), h.account(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	response := make([]deletionResponse, 0, len(pending.GameAccounts)+1)
	if pending.Account != nil {
		response = append(response, deletionResponse{
			Target:     accounts.DeletionTargetAccount,
			DeletionTS: pending.Account.DeletionTS.UTC(),
		})
	}
	for _, row := range pending.GameAccounts {
		response = append(response, deletionResponse{
			Target:        accounts.DeletionTargetGameAccount,
			GameAccountID: row.GameAccountID,
			DeletionTS:    row.DeletionTS.UTC(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"deletions": response})
}
