package passport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/duffelbag/internal/accounts"
)

type fakePassport struct {
	mu       sync.Mutex
	requests map[string][]map[string]string
	code     string
	status   int
}

func newFakePassport(t *testing.T) (*fakePassport, *httptest.Server) {
	t.Helper()
	fake := &fakePassport{requests: map[string][]map[string]string{}, code: "424242", status: http.StatusOK}
	server := httptest.NewServer(http.HandlerFunc(fake.serve))
	t.Cleanup(server.Close)
	return fake, server
}

func (f *fakePassport) serve(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	f.requests[r.URL.Path] = append(f.requests[r.URL.Path], body)
	status := f.status
	code := f.code
	f.mu.Unlock()

	if status != http.StatusOK {
		w.WriteHeader(status)
		return
	}
	switch r.URL.Path {
	case pathAuthRequest:
		_ = json.NewEncoder(w).Encode(map[string]any{"result": 0})
	case pathAuthSubmit:
		if body["code"] != code {
			_ = json.NewEncoder(w).Encode(map[string]any{"result": 10})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"result": 0, "yostar_uid": "y-1", "yostar_token": "y-token"})
	case pathCreateLogin:
		_ = json.NewEncoder(w).Encode(map[string]any{"result": 0, "uid": 81234567, "token": "channel-token"})
	case pathGameLogin:
		if body["uid"] != "81234567" {
			_ = json.NewEncoder(w).Encode(map[string]any{"result": 2})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"result": 0, "uid": "81234567", "nickName": "Doctor", "nickNumber": "1234"})
	default:
		http.NotFound(w, r)
	}
}

func (f *fakePassport) calls(path string) []map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[path]
}

func newTestClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{
		Server:      accounts.ServerEN,
		BaseURL:     server.URL + "/",
		GameBaseURL: server.URL,
		HTTPClient:  server.Client(),
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return client
}

func TestClientCompletesHandshake(t *testing.T) {
	fake, server := newFakePassport(t)
	client := newTestClient(t, server)
	ctx := context.Background()

	if err := client.SendCode(ctx, "bob@example.com"); err != nil {
		t.Fatalf("send code failed: %v", err)
	}
	requested := fake.calls(pathAuthRequest)
	if len(requested) != 1 || requested[0]["account"] != "bob@example.com" || requested[0]["authlang"] != "en" {
		t.Fatalf("unexpected auth request %+v", requested)
	}

	remote, err := client.RedeemCode(ctx, "bob@example.com", "424242")
	if err != nil {
		t.Fatalf("redeem failed: %v", err)
	}
	if remote.ChannelUID != "81234567" || remote.Token != "channel-token" {
		t.Fatalf("unexpected remote account %+v", remote)
	}
	created := fake.calls(pathCreateLogin)
	if len(created) != 1 || created[0]["yostar_uid"] != "y-1" || created[0]["deviceId"] == "" {
		t.Fatalf("unexpected create login request %+v", created)
	}

	profile, err := client.FetchProfile(ctx, remote)
	if err != nil {
		t.Fatalf("fetch profile failed: %v", err)
	}
	if profile.DisplayName() != "Doctor#1234" {
		t.Fatalf("unexpected profile %+v", profile)
	}
}

func TestClientRejectsWrongCode(t *testing.T) {
	fake, server := newFakePassport(t)
	client := newTestClient(t, server)

	_, err := client.RedeemCode(context.Background(), "bob@example.com", "000000")
	if !errors.Is(err, accounts.ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode, got %v", err)
	}
	if len(fake.calls(pathCreateLogin)) != 0 {
		t.Fatalf("create login called after a rejected code")
	}
}

func TestClientReportsProviderFailures(t *testing.T) {
	fake, server := newFakePassport(t)
	client := newTestClient(t, server)
	fake.status = http.StatusBadGateway

	err := client.SendCode(context.Background(), "bob@example.com")
	if !errors.Is(err, ErrProvider) {
		t.Fatalf("expected ErrProvider, got %v", err)
	}
	if errors.Is(err, accounts.ErrInvalidCode) {
		t.Fatalf("provider failure reported as an invalid code")
	}
}

func TestNewClientValidatesConfig(t *testing.T) {
	cases := []ClientConfig{
		{GameBaseURL: "https://gs.example.com"},
		{BaseURL: "https://passport.example.com"},
		{BaseURL: "not a url", GameBaseURL: "https://gs.example.com"},
	}
	for _, cfg := range cases {
		if _, err := NewClient(cfg); !errors.Is(err, ErrInvalidClientConfig) {
			t.Fatalf("expected ErrInvalidClientConfig for %+v, got %v", cfg, err)
		}
	}
}

func TestDefaultEndpointsCoverGlobalServers(t *testing.T) {
	for _, server := range []accounts.Server{accounts.ServerEN, accounts.ServerJP, accounts.ServerKR} {
		if _, ok := DefaultEndpoints(server); !ok {
			t.Fatalf("missing endpoints for %s", server)
		}
	}
	if _, ok := DefaultEndpoints(accounts.ServerCN); ok {
		t.Fatalf("unexpected endpoints for cn")
	}
}
