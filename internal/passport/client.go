package passport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/duffelbag/internal/accounts"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 15 * time.Second
	defaultAuthLanguage   = "en"
	defaultPlatform       = "android"

	pathAuthRequest = "/account/yostar_auth_request"
	pathAuthSubmit  = "/account/yostar_auth_submit"
	pathCreateLogin = "/user/yostar_createlogin"
	pathGameLogin   = "/account/login"
)

var (
	// ErrInvalidClientConfig reports a Client that cannot be constructed.
	ErrInvalidClientConfig = errors.New("passport: invalid client config")
	// ErrProvider reports a transport or protocol failure talking to the passport.
	ErrProvider = errors.New("passport: provider request failed")

	errMissingBaseURL     = errors.New("passport base url required")
	errMissingGameBaseURL = errors.New("game server base url required")
)

// Endpoints are the hosts that serve one game server.
type Endpoints struct {
	BaseURL     string
	GameBaseURL string
}

var defaultEndpoints = map[accounts.Server]Endpoints{
	accounts.ServerEN: {BaseURL: "https://passport.arknights.global", GameBaseURL: "https://gs.arknights.global:8443"},
	accounts.ServerJP: {BaseURL: "https://passport.arknights.jp", GameBaseURL: "https://gs.arknights.jp:8443"},
	accounts.ServerKR: {BaseURL: "https://passport.arknights.kr", GameBaseURL: "https://gs.arknights.kr:8443"},
}

// DefaultEndpoints returns the public hosts for server.
func DefaultEndpoints(server accounts.Server) (Endpoints, bool) {
	endpoints, ok := defaultEndpoints[server]
	return endpoints, ok
}

// ClientConfig bundles configuration required to instantiate a Client.
type ClientConfig struct {
	Server       accounts.Server
	BaseURL      string
	GameBaseURL  string
	AuthLanguage string
	HTTPClient   *http.Client
	Timeout      time.Duration
	Logger       *zap.Logger
}

// Client talks to the Yostar passport and game login endpoints for one server.
type Client struct {
	server       accounts.Server
	baseURL      string
	gameBaseURL  string
	authLanguage string
	httpClient   *http.Client
	timeout      time.Duration
	logger       *zap.Logger
}

// NewClient constructs a client with validated configuration.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL, err := normalizeBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingBaseURL)
	}
	gameBaseURL, err := normalizeBaseURL(cfg.GameBaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingGameBaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	language := strings.TrimSpace(cfg.AuthLanguage)
	if language == "" {
		language = defaultAuthLanguage
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		server:       cfg.Server,
		baseURL:      baseURL,
		gameBaseURL:  gameBaseURL,
		authLanguage: language,
		httpClient:   httpClient,
		timeout:      timeout,
		logger:       logger,
	}, nil
}

func normalizeBaseURL(raw string) (string, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(raw), "/")
	if trimmed == "" {
		return "", errMissingBaseURL
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", errMissingBaseURL
	}
	return trimmed, nil
}

type resultEnvelope struct {
	Result int `json:"result"`
}

type authSubmitResponse struct {
	Result      int    `json:"result"`
	YostarUID   string `json:"yostar_uid"`
	YostarToken string `json:"yostar_token"`
}

type createLoginResponse struct {
	Result int             `json:"result"`
	UID    json.RawMessage `json:"uid"`
	Token  string          `json:"token"`
}

type gameLoginResponse struct {
	Result     int    `json:"result"`
	UID        string `json:"uid"`
	NickName   string `json:"nickName"`
	NickNumber string `json:"nickNumber"`
}

// SendCode asks the passport to email a one-time code to email.
func (c *Client) SendCode(ctx context.Context, email string) error {
	var response resultEnvelope
	err := c.post(ctx, c.baseURL+pathAuthRequest, map[string]string{
		"platform": defaultPlatform,
		"account":  email,
		"authlang": c.authLanguage,
	}, &response)
	if err != nil {
		return err
	}
	if response.Result != 0 {
		return fmt.Errorf("%w: auth request result %d", ErrProvider, response.Result)
	}
	c.logger.Debug("passport code requested", zap.String("server", string(c.server)))
	return nil
}

// RedeemCode exchanges the emailed code for the durable channel uid and token.
// A rejected code wraps accounts.ErrInvalidCode.
func (c *Client) RedeemCode(ctx context.Context, email, code string) (accounts.RemoteAccount, error) {
	var submitted authSubmitResponse
	err := c.post(ctx, c.baseURL+pathAuthSubmit, map[string]string{
		"account": email,
		"code":    code,
	}, &submitted)
	if err != nil {
		return accounts.RemoteAccount{}, err
	}
	if submitted.Result != 0 || submitted.YostarUID == "" || submitted.YostarToken == "" {
		return accounts.RemoteAccount{}, fmt.Errorf("%w: auth submit result %d", accounts.ErrInvalidCode, submitted.Result)
	}

	var login createLoginResponse
	err = c.post(ctx, c.baseURL+pathCreateLogin, map[string]string{
		"yostar_username": email,
		"yostar_uid":      submitted.YostarUID,
		"yostar_token":    submitted.YostarToken,
		"deviceId":        uuid.NewString(),
		"createNew":       "0",
	}, &login)
	if err != nil {
		return accounts.RemoteAccount{}, err
	}
	channelUID := decodeUID(login.UID)
	if login.Result != 0 || channelUID == "" || login.Token == "" {
		return accounts.RemoteAccount{}, fmt.Errorf("%w: create login result %d", ErrProvider, login.Result)
	}
	return accounts.RemoteAccount{ChannelUID: channelUID, Token: login.Token}, nil
}

// FetchProfile logs in to the game server and returns the public profile.
func (c *Client) FetchProfile(ctx context.Context, remote accounts.RemoteAccount) (accounts.GameProfile, error) {
	var response gameLoginResponse
	err := c.post(ctx, c.gameBaseURL+pathGameLogin, map[string]string{
		"uid":   remote.ChannelUID,
		"token": remote.Token,
	}, &response)
	if err != nil {
		return accounts.GameProfile{}, err
	}
	if response.Result != 0 || response.UID == "" {
		return accounts.GameProfile{}, fmt.Errorf("%w: game login result %d", ErrProvider, response.Result)
	}
	return accounts.GameProfile{
		UID:        response.UID,
		Nickname:   response.NickName,
		NickNumber: response.NickNumber,
	}, nil
}

// uid is a string on some regions and a number on others.
func decodeUID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var number json.Number
	if err := json.Unmarshal(raw, &number); err == nil {
		return number.String()
	}
	return ""
}

func (c *Client) post(ctx context.Context, endpoint string, payload interface{}, target interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Warn("passport request failed", zap.String("endpoint", endpoint), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		c.logger.Warn("passport request returned unexpected status",
			zap.String("endpoint", endpoint),
			zap.Int("status", response.StatusCode),
		)
		return fmt.Errorf("%w: status %d", ErrProvider, response.StatusCode)
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrProvider, err)
	}
	return nil
}
