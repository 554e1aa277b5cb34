package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/duffelbag/internal/accounts"
	"github.com/gin-gonic/gin"
)

type startVerificationPayload struct {
	Server string `json:"server"`
	Email  string `json:"email"`
}

type completeVerificationPayload struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type setActivePayload struct {
	GameAccountID uint64 `json:"game_account_id"`
}

type verificationResponse struct {
	Server    accounts.Server `json:"server"`
	Email     string          `json:"email"`
	ExpiresAt time.Time       `json:"expires_at"`
}

type gameAccountResponse struct {
	ID        uint64          `json:"id"`
	Server    accounts.Server `json:"server"`
	GameUID   string          `json:"game_uid,omitempty"`
	Active    bool            `json:"active"`
	CreatedAt time.Time       `json:"created_at"`
}

func newGameAccountResponse(gameAccount accounts.GameAccount) gameAccountResponse {
	return gameAccountResponse{
		ID:        gameAccount.ID,
		Server:    gameAccount.Server,
		GameUID:   gameAccount.GameUID,
		Active:    gameAccount.Active,
		CreatedAt: gameAccount.CreatedAt.UTC(),
	}
}

func (h *httpHandler) handleStartVerification(c *gin.Context) {
	var request startVerificationPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.abortBadRequest(c, "invalid_request")
		return
	}
	server, err := accounts.ParseServer(request.Server)
	if err != nil {
		h.writeError(c, &accounts.UnsupportedServerError{Server: accounts.Server(request.Server)})
		return
	}
	session, err := h.accounts.StartVerification(c.Request.Context(), h.account(c), server, request.Email)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, verificationResponse{
		Server:    session.Server,
		Email:     session.Email,
		ExpiresAt: session.ExpiresAt.UTC(),
	})
}

func (h *httpHandler) handleCompleteVerification(c *gin.Context) {
	var request completeVerificationPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.abortBadRequest(c, "invalid_request")
		return
	}
	gameAccount, err := h.accounts.CompleteVerification(c.Request.Context(), h.account(c), request.Email, request.Code)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newGameAccountResponse(gameAccount))
}

func (h *httpHandler) handleCancelVerification(c *gin.Context) {
	account := h.account(c)
	if !h.accounts.CancelVerification(account) {
		h.writeError(c, &accounts.AuthenticationStateError{Username: account.Username, InProgress: false})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListGameAccounts(c *gin.Context) {
	gameAccounts, err := h.accounts.ListGameAccounts(c.Request.Context(), h.account(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	response := make([]gameAccountResponse, 0, len(gameAccounts))
	for _, gameAccount := range gameAccounts {
		response = append(response, newGameAccountResponse(gameAccount))
	}
	c.JSON(http.StatusOK, gin.H{"game_accounts": response})
}

func (h *httpHandler) handleGetActive(c *gin.Context) {
	gameAccount, err := h.accounts.GetActive(c.Request.Context(), h.account(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newGameAccountResponse(gameAccount))
}

func (h *httpHandler) handleSetActive(c *gin.Context) {
	var request setActivePayload
	if err := c.ShouldBindJSON(&request); err != nil || request.GameAccountID == 0 {
		h.abortBadRequest(c, "invalid_request")
		return
	}
	gameAccount, err := h.accounts.SetActive(c.Request.Context(), h.account(c), request.GameAccountID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newGameAccountResponse(gameAccount))
}

func (h *httpHandler) handleScheduleGameAccountDeletion(c *gin.Context) {
	gameAccountID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		h.abortBadRequest(c, "invalid_game_account_id")
		return
	}
	var request passwordPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.abortBadRequest(c, "invalid_request")
		return
	}
	scheduled, err := h.accounts.ScheduleGameAccountDeletion(c.Request.Context(), h.account(c), gameAccountID, request.Password)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, deletionResponse{
		Target:        accounts.DeletionTargetGameAccount,
		GameAccountID: scheduled.GameAccountID,
		DeletionTS:    scheduled.DeletionTS.UTC(),
	})
}
