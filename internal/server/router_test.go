package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/duffelbag/internal/accounts"
	"github.com/MarcoPoloResearchLab/duffelbag/internal/auth"
	"github.com/MarcoPoloResearchLab/duffelbag/internal/clock"
	"github.com/MarcoPoloResearchLab/duffelbag/internal/credentials"
	"github.com/MarcoPoloResearchLab/duffelbag/internal/database"
	"github.com/MarcoPoloResearchLab/duffelbag/internal/localisation"
	"github.com/MarcoPoloResearchLab/duffelbag/internal/notify"
	"github.com/MarcoPoloResearchLab/duffelbag/internal/tasks"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const testVerificationCode = "123456"

type fakeProvider struct{}

func (fakeProvider) SendCode(context.Context, string) error { return nil }

func (fakeProvider) RedeemCode(_ context.Context, email, code string) (accounts.RemoteAccount, error) {
	if code != testVerificationCode {
		return accounts.RemoteAccount{}, fmt.Errorf("redeem: %w", accounts.ErrInvalidCode)
	}
	return accounts.RemoteAccount{ChannelUID: "channel-" + email, Token: "token-" + email}, nil
}

func (fakeProvider) FetchProfile(_ context.Context, remote accounts.RemoteAccount) (accounts.GameProfile, error) {
	return accounts.GameProfile{UID: "uid-" + remote.ChannelUID, Nickname: "Doctor", NickNumber: "0001"}, nil
}

type gatewayHarness struct {
	handler http.Handler
	hub     *notify.Hub
	clock   *clock.Fake
}

func newGatewayHarness(t *testing.T) *gatewayHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.Open(
		database.Config{Driver: database.DriverSQLite, Path: filepath.Join(t.TempDir(), "gateway.db")},
		zap.NewNop(),
		accounts.Models()...,
	)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	fakeClock := clock.NewFake(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	registry := tasks.NewRegistry(tasks.RegistryConfig{Clock: fakeClock})
	t.Cleanup(registry.Shutdown)

	localiser, err := localisation.New()
	if err != nil {
		t.Fatalf("failed to load locales: %v", err)
	}
	hub := notify.NewHub(notify.NewRenderer(localiser, localisation.DefaultLocale))

	providers := accounts.NewProviders(map[accounts.Server]accounts.VerificationProvider{accounts.ServerEN: fakeProvider{}})
	deletions, err := accounts.NewDeletionScheduler(accounts.DeletionSchedulerConfig{
		Database: db,
		Registry: registry,
		Clock:    fakeClock,
		Notifier: hub,
		Profiles: providers,
	})
	if err != nil {
		t.Fatalf("failed to create deletion scheduler: %v", err)
	}
	service, err := accounts.NewService(accounts.ServiceConfig{
		Database:  db,
		Hasher:    credentials.NewArgon2Hasher(credentials.Argon2Config{MemoryKiB: 1024, Iterations: 1, Parallelism: 1}),
		Providers: providers,
		Deletions: deletions,
		Registry:  registry,
		Clock:     fakeClock,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Accounts:      service,
		Tokens:        stubTokenValidator{claims: auth.GatewayClaims{Platform: "discord"}},
		Localiser:     localiser,
		Notifications: hub,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return &gatewayHarness{handler: handler, hub: hub, clock: fakeClock}
}

type gatewayRequest struct {
	method     string
	path       string
	platformID int64
	body       interface{}
	language   string
}

func (h *gatewayHarness) do(t *testing.T, request gatewayRequest) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if request.body != nil {
		if err := json.NewEncoder(&body).Encode(request.body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	httpRequest := httptest.NewRequest(request.method, request.path, &body)
	httpRequest.Header.Set("Authorization", "Bearer gateway-token")
	httpRequest.Header.Set("Content-Type", "application/json")
	if request.platformID != 0 {
		httpRequest.Header.Set(platformUserHeader, fmt.Sprint(request.platformID))
	}
	if request.language != "" {
		httpRequest.Header.Set("Accept-Language", request.language)
	}
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, httpRequest)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode %q: %v", recorder.Body.String(), err)
	}
}

func TestGatewayAccountLifecycle(t *testing.T) {
	harness := newGatewayHarness(t)

	created := harness.do(t, gatewayRequest{
		method: http.MethodPost, path: "/v1/accounts", platformID: 42,
		body: credentialsPayload{Username: "alice", Password: "correct horse"},
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", created.Code, created.Body.String())
	}

	me := harness.do(t, gatewayRequest{method: http.MethodGet, path: "/v1/accounts/me", platformID: 42})
	if me.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", me.Code, me.Body.String())
	}
	var account accountResponse
	decodeBody(t, me, &account)
	if account.Username != "alice" || account.ID == 0 {
		t.Fatalf("unexpected account %+v", account)
	}

	login := harness.do(t, gatewayRequest{
		method: http.MethodPost, path: "/v1/accounts/login", platformID: 43,
		body: credentialsPayload{Username: "alice", Password: "correct horse"},
	})
	if login.Code != http.StatusOK {
		t.Fatalf("expected login to succeed, got %d: %s", login.Code, login.Body.String())
	}
	relogin := harness.do(t, gatewayRequest{
		method: http.MethodPost, path: "/v1/accounts/login", platformID: 43,
		body: credentialsPayload{Username: "alice", Password: "correct horse"},
	})
	if relogin.Code != http.StatusOK {
		t.Fatalf("expected repeated login to succeed, got %d: %s", relogin.Code, relogin.Body.String())
	}

	links := harness.do(t, gatewayRequest{method: http.MethodGet, path: "/v1/accounts/me/links?platform=discord", platformID: 42})
	var linkList struct {
		Links []linkResponse `json:"links"`
	}
	decodeBody(t, links, &linkList)
	if len(linkList.Links) != 2 {
		t.Fatalf("expected two discord links, got %+v", linkList.Links)
	}

	changed := harness.do(t, gatewayRequest{
		method: http.MethodPost, path: "/v1/accounts/me/password", platformID: 43,
		body: changePasswordPayload{CurrentPassword: "correct horse", NewPassword: "battery staple"},
	})
	if changed.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", changed.Code, changed.Body.String())
	}

	unlinked := harness.do(t, gatewayRequest{
		method: http.MethodDelete, path: "/v1/accounts/me/links", platformID: 42,
		body: removeLinkPayload{Password: "battery staple", Platform: "discord", PlatformID: 43},
	})
	if unlinked.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", unlinked.Code, unlinked.Body.String())
	}

	orphan := harness.do(t, gatewayRequest{method: http.MethodGet, path: "/v1/accounts/me", platformID: 43})
	if orphan.Code != http.StatusUnauthorized {
		t.Fatalf("expected unlinked caller to be rejected, got %d", orphan.Code)
	}
	var failure errorResponse
	decodeBody(t, orphan, &failure)
	if failure.Error != string(accounts.KindLoginFailed) || !strings.Contains(failure.Message, "Discord") {
		t.Fatalf("unexpected error response %+v", failure)
	}
}

func TestGatewayLocalisesErrors(t *testing.T) {
	harness := newGatewayHarness(t)
	harness.do(t, gatewayRequest{
		method: http.MethodPost, path: "/v1/accounts", platformID: 1,
		body: credentialsPayload{Username: "alice", Password: "correct horse"},
	})

	for language, fragment := range map[string]string{
		"":                "An account named alice already exists.",
		"nl-NL,nl;q=0.9":  "Er bestaat al een account met de naam alice.",
		"fr-FR, de;q=0.5": "An account named alice already exists.",
	} {
		duplicate := harness.do(t, gatewayRequest{
			method: http.MethodPost, path: "/v1/accounts", platformID: 2, language: language,
			body: credentialsPayload{Username: "alice", Password: "another pass"},
		})
		if duplicate.Code != http.StatusConflict {
			t.Fatalf("language %q: expected 409, got %d", language, duplicate.Code)
		}
		var failure errorResponse
		decodeBody(t, duplicate, &failure)
		if failure.Error != string(accounts.KindAccountExists) {
			t.Fatalf("language %q: unexpected kind %q", language, failure.Error)
		}
		if failure.Message != fragment {
			t.Fatalf("language %q: unexpected message %q", language, failure.Message)
		}
		if failure.Details["username"] != "alice" {
			t.Fatalf("language %q: unexpected details %+v", language, failure.Details)
		}
	}
}

func TestGatewayRejectsMalformedRequests(t *testing.T) {
	harness := newGatewayHarness(t)

	missingCaller := harness.do(t, gatewayRequest{method: http.MethodGet, path: "/v1/accounts/me"})
	if missingCaller.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without platform user header, got %d", missingCaller.Code)
	}

	tooShort := harness.do(t, gatewayRequest{
		method: http.MethodPost, path: "/v1/accounts", platformID: 5,
		body: credentialsPayload{Username: "al", Password: "correct horse"},
	})
	if tooShort.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for short username, got %d", tooShort.Code)
	}
	var failure errorResponse
	decodeBody(t, tooShort, &failure)
	if failure.Error != string(accounts.KindCredentialSize) || failure.Details["credential"] != "username" {
		t.Fatalf("unexpected error response %+v", failure)
	}

	health := httptest.NewRecorder()
	harness.handler.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
	if health.Code != http.StatusOK {
		t.Fatalf("expected health check to pass without credentials, got %d", health.Code)
	}
}

func TestGatewayGameAccountFlow(t *testing.T) {
	harness := newGatewayHarness(t)
	harness.do(t, gatewayRequest{
		method: http.MethodPost, path: "/v1/accounts", platformID: 7,
		body: credentialsPayload{Username: "bobby", Password: "correct horse"},
	})

	noActive := harness.do(t, gatewayRequest{method: http.MethodGet, path: "/v1/game-accounts/active", platformID: 7})
	if noActive.Code != http.StatusConflict {
		t.Fatalf("expected 409 without game accounts, got %d", noActive.Code)
	}

	unsupported := harness.do(t, gatewayRequest{
		method: http.MethodPost, path: "/v1/game-accounts/verification", platformID: 7,
		body: startVerificationPayload{Server: "mars", Email: "bob@example.com"},
	})
	if unsupported.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown server, got %d", unsupported.Code)
	}

	started := harness.do(t, gatewayRequest{
		method: http.MethodPost, path: "/v1/game-accounts/verification", platformID: 7,
		body: startVerificationPayload{Server: "EN", Email: "bob@example.com"},
	})
	if started.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", started.Code, started.Body.String())
	}
	var session verificationResponse
	decodeBody(t, started, &session)
	if session.Server != accounts.ServerEN || !session.ExpiresAt.Equal(harness.clock.Now().Add(300*time.Second)) {
		t.Fatalf("unexpected session %+v", session)
	}

	wrongCode := harness.do(t, gatewayRequest{
		method: http.MethodPost, path: "/v1/game-accounts/verification/complete", platformID: 7,
		body: completeVerificationPayload{Email: "bob@example.com", Code: "000000"},
	})
	if wrongCode.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for wrong code, got %d", wrongCode.Code)
	}

	completed := harness.do(t, gatewayRequest{
		method: http.MethodPost, path: "/v1/game-accounts/verification/complete", platformID: 7,
		body: completeVerificationPayload{Email: "bob@example.com", Code: testVerificationCode},
	})
	if completed.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", completed.Code, completed.Body.String())
	}
	var gameAccount gameAccountResponse
	decodeBody(t, completed, &gameAccount)
	if !gameAccount.Active || gameAccount.GameUID == "" {
		t.Fatalf("expected first game account to be active with a uid, got %+v", gameAccount)
	}

	cancelled := harness.do(t, gatewayRequest{method: http.MethodDelete, path: "/v1/game-accounts/verification", platformID: 7})
	if cancelled.Code != http.StatusConflict {
		t.Fatalf("expected 409 when nothing is pending, got %d", cancelled.Code)
	}

	active := harness.do(t, gatewayRequest{
		method: http.MethodPut, path: "/v1/game-accounts/active", platformID: 7,
		body: setActivePayload{GameAccountID: gameAccount.ID},
	})
	if active.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", active.Code, active.Body.String())
	}

	scheduled := harness.do(t, gatewayRequest{
		method: http.MethodDelete, path: fmt.Sprintf("/v1/game-accounts/%d", gameAccount.ID), platformID: 7,
		body: passwordPayload{Password: "correct horse"},
	})
	if scheduled.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", scheduled.Code, scheduled.Body.String())
	}
	again := harness.do(t, gatewayRequest{
		method: http.MethodDelete, path: fmt.Sprintf("/v1/game-accounts/%d", gameAccount.ID), platformID: 7,
		body: passwordPayload{Password: "correct horse"},
	})
	if again.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a second schedule, got %d", again.Code)
	}

	pending := harness.do(t, gatewayRequest{method: http.MethodGet, path: "/v1/deletions", platformID: 7})
	var deletions struct {
		Deletions []deletionResponse `json:"deletions"`
	}
	decodeBody(t, pending, &deletions)
	if len(deletions.Deletions) != 1 || deletions.Deletions[0].GameAccountID != gameAccount.ID {
		t.Fatalf("unexpected pending deletions %+v", deletions.Deletions)
	}
	if !deletions.Deletions[0].DeletionTS.Equal(harness.clock.Now().Add(24 * time.Hour)) {
		t.Fatalf("unexpected deletion timestamp %s", deletions.Deletions[0].DeletionTS)
	}

	harness.clock.Advance(24 * time.Hour)
	list := harness.do(t, gatewayRequest{method: http.MethodGet, path: "/v1/game-accounts", platformID: 7})
	var remaining struct {
		GameAccounts []gameAccountResponse `json:"game_accounts"`
	}
	decodeBody(t, list, &remaining)
	if len(remaining.GameAccounts) != 0 {
		t.Fatalf("expected game account to be deleted, got %+v", remaining.GameAccounts)
	}
}

func TestGatewayStreamsNotifications(t *testing.T) {
	harness := newGatewayHarness(t)
	server := httptest.NewServer(harness.handler)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/v1/notifications", http.NoBody)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer gateway-token")
	request.Header.Set(platformUserHeader, "99")

	response, err := server.Client().Do(request)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.StatusCode)
	}
	if !strings.HasPrefix(response.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("unexpected content type %q", response.Header.Get("Content-Type"))
	}

	harness.hub.Publish(notify.Message{Platform: accounts.PlatformDiscord, PlatformID: 98, Kind: accounts.NoticeAccountDeleted, Text: "not yours"})
	harness.hub.Publish(notify.Message{
		Platform:   accounts.PlatformDiscord,
		PlatformID: 99,
		Kind:       accounts.NoticeAccountDeleted,
		Text:       "Your account carol has been deleted as scheduled.",
		Timestamp:  harness.clock.Now(),
	})

	reader := bufio.NewReader(response.Body)
	var eventType string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("stream ended before the notice arrived: %v", err)
		}
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "event:") {
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var payload notificationPayload
		if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &payload); err != nil {
			t.Fatalf("failed to decode event data: %v", err)
		}
		if eventType != string(accounts.NoticeAccountDeleted) {
			t.Fatalf("unexpected event type %q", eventType)
		}
		if payload.Text != "Your account carol has been deleted as scheduled." {
			t.Fatalf("unexpected payload %+v", payload)
		}
		return
	}
}
