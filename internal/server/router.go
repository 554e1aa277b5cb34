package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/duffelbag/internal/accounts"
	"github.com/MarcoPoloResearchLab/duffelbag/internal/auth"
	"github.com/MarcoPoloResearchLab/duffelbag/internal/localisation"
	"github.com/MarcoPoloResearchLab/duffelbag/internal/notify"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/text/language"
)

const (
	platformUserHeader = "X-Platform-User-ID"
	callerContextKey   = "duffelbag_caller"
	accountContextKey  = "duffelbag_account"
	localeContextKey   = "duffelbag_locale"
)

var (
	errMissingAccountsService = errors.New("accounts service dependency required")
	errMissingTokenValidator  = errors.New("token validator dependency required")
	errMissingLocaliser       = errors.New("localiser dependency required")
	errInvalidAuthorization   = errors.New("authorization header missing or invalid")
)

// TokenValidator checks gateway bearer tokens.
type TokenValidator interface {
	ValidateToken(token string) (auth.GatewayClaims, error)
}

// Dependencies are the collaborators of the HTTP gateway.
type Dependencies struct {
	Accounts       *accounts.Service
	Tokens         TokenValidator
	Localiser      *localisation.Localiser
	Notifications  *notify.Hub
	AllowedOrigins []string
	Logger         *zap.Logger
}

// caller is the platform account a gateway request is made on behalf of.
type caller struct {
	Platform   accounts.Platform
	PlatformID int64
}

// NewHTTPHandler builds the gin engine serving the gateway API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Accounts == nil {
		return nil, errMissingAccountsService
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Localiser == nil {
		return nil, errMissingLocaliser
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		accounts:      deps.Accounts,
		tokens:        deps.Tokens,
		localiser:     deps.Localiser,
		notifications: deps.Notifications,
		logger:        logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/v1")
	v1.Use(handler.negotiateLocale, handler.authorizeRequest, handler.identifyCaller)
	v1.POST("/accounts", handler.handleCreateAccount)
	v1.POST("/accounts/login", handler.handleLogin)
	v1.POST("/accounts/recover", handler.handleRecover)
	v1.GET("/notifications", handler.handleNotifications)

	linked := v1.Group("/")
	linked.Use(handler.requireAccount)
	linked.GET("/accounts/me", handler.handleGetAccount)
	linked.DELETE("/accounts/me", handler.handleScheduleAccountDeletion)
	linked.POST("/accounts/me/password", handler.handleChangePassword)
	linked.GET("/accounts/me/links", handler.handleListLinks)
	linked.DELETE("/accounts/me/links", handler.handleRemoveLink)
	linked.POST("/game-accounts/verification", handler.handleStartVerification)
	linked.POST("/game-accounts/verification/complete", handler.handleCompleteVerification)
	linked.DELETE("/game-accounts/verification", handler.handleCancelVerification)
	linked.GET("/game-accounts", handler.handleListGameAccounts)
	linked.GET("/game-accounts/active", handler.handleGetActive)
	linked.PUT("/game-accounts/active", handler.handleSetActive)
	linked.DELETE("/game-accounts/:id", handler.handleScheduleGameAccountDeletion)
	linked.GET("/deletions", handler.handlePendingDeletions)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Accept-Language", platformUserHeader},
		MaxAge:       12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			cfg.AllowAllOrigins = true
			origins = nil
			break
		}
		if origin != "" {
			origins = append(origins, origin)
		}
	}
	if !cfg.AllowAllOrigins {
		if len(origins) == 0 {
			cfg.AllowAllOrigins = true
		} else {
			cfg.AllowOrigins = origins
		}
	}
	return cors.New(cfg)
}

type httpHandler struct {
	accounts      *accounts.Service
	tokens        TokenValidator
	localiser     *localisation.Localiser
	notifications *notify.Hub
	logger        *zap.Logger
}

func (h *httpHandler) negotiateLocale(c *gin.Context) {
	c.Set(localeContextKey, h.localiser.MatchAcceptLanguage(c.GetHeader("Accept-Language")))
	c.Next()
}

func (h *httpHandler) locale(c *gin.Context) language.Tag {
	if value, ok := c.Get(localeContextKey); ok {
		if tag, ok := value.(language.Tag); ok {
			return tag
		}
	}
	return localisation.DefaultLocale
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if !strings.HasPrefix(header, "Bearer ") || token == "" {
		h.abortUnauthorized(c, errInvalidAuthorization)
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		h.abortUnauthorized(c, err)
		return
	}
	platform, err := accounts.ParsePlatform(claims.Platform)
	if err != nil {
		h.logger.Warn("token names an unknown platform", zap.String("platform", claims.Platform))
		h.abortUnauthorized(c, err)
		return
	}
	c.Set(callerContextKey, caller{Platform: platform})
	c.Next()
}

func (h *httpHandler) identifyCaller(c *gin.Context) {
	value, _ := c.Get(callerContextKey)
	current, _ := value.(caller)
	platformID, err := strconv.ParseInt(strings.TrimSpace(c.GetHeader(platformUserHeader)), 10, 64)
	if err != nil {
		h.abortBadRequest(c, platformUserHeader+" header missing or invalid")
		return
	}
	current.PlatformID = platformID
	c.Set(callerContextKey, current)
	c.Next()
}

// requireAccount resolves the account linked to the caller. A caller without a
// link is treated as logged out.
func (h *httpHandler) requireAccount(c *gin.Context) {
	current := h.caller(c)
	account, err := h.accounts.AccountByPlatform(c.Request.Context(), current.Platform, current.PlatformID)
	if err != nil {
		var notFound *accounts.LinkNotFoundError
		if errors.As(err, &notFound) {
			err = &accounts.LoginError{Target: accounts.LoginTargetPlatform, Platform: current.Platform}
		}
		h.writeError(c, err)
		c.Abort()
		return
	}
	c.Set(accountContextKey, account)
	c.Next()
}

func (h *httpHandler) caller(c *gin.Context) caller {
	value, _ := c.Get(callerContextKey)
	current, _ := value.(caller)
	return current
}

func (h *httpHandler) account(c *gin.Context) accounts.Account {
	value, _ := c.Get(accountContextKey)
	account, _ := value.(accounts.Account)
	return account
}
