package accounts

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/duffelbag/internal/clock"
	"github.com/MarcoPoloResearchLab/duffelbag/internal/credentials"
	"github.com/MarcoPoloResearchLab/duffelbag/internal/database"
	"github.com/MarcoPoloResearchLab/duffelbag/internal/tasks"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

var testEpoch = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type testEnv struct {
	db        *gorm.DB
	clock     *clock.Fake
	registry  *tasks.Registry
	deletions *DeletionScheduler
	service   *Service
	provider  *stubProvider
	notifier  *recordingNotifier
	logs      *observer.ObservedLogs
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.Open(
		database.Config{Driver: database.DriverSQLite, Path: filepath.Join(t.TempDir(), "accounts.db")},
		zap.NewNop(),
		Models()...,
	)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	env := &testEnv{
		db:       db,
		clock:    clock.NewFake(testEpoch),
		provider: newStubProvider(),
		notifier: &recordingNotifier{},
	}
	env.boot(t)
	return env
}

// boot builds the registry, scheduler and service on top of the existing database,
// the way a freshly started process would.
func (env *testEnv) boot(t *testing.T) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	env.logs = logs

	env.registry = tasks.NewRegistry(tasks.RegistryConfig{Clock: env.clock, Logger: logger})
	t.Cleanup(env.registry.Shutdown)

	providers := NewProviders(map[Server]VerificationProvider{ServerEN: env.provider})
	deletions, err := NewDeletionScheduler(DeletionSchedulerConfig{
		Database: env.db,
		Registry: env.registry,
		Clock:    env.clock,
		Notifier: env.notifier,
		Profiles: providers,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("failed to create deletion scheduler: %v", err)
	}
	env.deletions = deletions

	service, err := NewService(ServiceConfig{
		Database:  env.db,
		Hasher:    credentials.NewArgon2Hasher(credentials.Argon2Config{MemoryKiB: 1024, Iterations: 1, Parallelism: 1}),
		Providers: providers,
		Deletions: deletions,
		Registry:  env.registry,
		Clock:     env.clock,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	env.service = service
}

// restart simulates a process restart: in-memory timers are lost, storage survives.
func (env *testEnv) restart(t *testing.T) {
	t.Helper()
	env.registry.Shutdown()
	env.boot(t)
}

func (env *testEnv) mustCreate(t *testing.T, username string, platform Platform, platformID int64) Account {
	t.Helper()
	account, err := env.service.CreateAccount(context.Background(), CreateAccountRequest{
		Username:   username,
		Password:   "Password1",
		Platform:   platform,
		PlatformID: platformID,
	})
	if err != nil {
		t.Fatalf("failed to create account %q: %v", username, err)
	}
	return account
}

func (env *testEnv) mustBind(t *testing.T, account Account, email string) GameAccount {
	t.Helper()
	ctx := context.Background()
	env.provider.register(email, "123456", RemoteAccount{ChannelUID: "ch-" + email, Token: "tok-" + email})
	if _, err := env.service.StartVerification(ctx, account, ServerEN, email); err != nil {
		t.Fatalf("failed to start verification: %v", err)
	}
	gameAccount, err := env.service.CompleteVerification(ctx, account, email, "123456")
	if err != nil {
		t.Fatalf("failed to complete verification: %v", err)
	}
	return gameAccount
}

func (env *testEnv) count(t *testing.T, model interface{}, query string, args ...interface{}) int64 {
	t.Helper()
	var total int64
	if err := env.db.Model(model).Where(query, args...).Count(&total).Error; err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	return total
}

func (env *testEnv) messages(message string) int {
	return env.logs.FilterMessage(message).Len()
}

type stubProvider struct {
	mu         sync.Mutex
	codes      map[string]string
	remotes    map[string]RemoteAccount
	sent       []string
	sendErr    error
	profileErr error
}

func newStubProvider() *stubProvider {
	return &stubProvider{codes: map[string]string{}, remotes: map[string]RemoteAccount{}}
}

func (p *stubProvider) register(email, code string, remote RemoteAccount) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.codes[email] = code
	p.remotes[email] = remote
}

func (p *stubProvider) SendCode(_ context.Context, email string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.sent = append(p.sent, email)
	return nil
}

func (p *stubProvider) RedeemCode(_ context.Context, email, code string) (RemoteAccount, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	expected, ok := p.codes[email]
	if !ok || expected != code {
		return RemoteAccount{}, fmt.Errorf("%w: code mismatch", ErrInvalidCode)
	}
	return p.remotes[email], nil
}

func (p *stubProvider) FetchProfile(_ context.Context, remote RemoteAccount) (GameProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.profileErr != nil {
		return GameProfile{}, p.profileErr
	}
	return GameProfile{UID: "uid-" + remote.ChannelUID, Nickname: "Doctor", NickNumber: "1234"}, nil
}

type deliveredNotice struct {
	link   PlatformLink
	notice Notice
}

type recordingNotifier struct {
	mu        sync.Mutex
	delivered []deliveredNotice
	failFor   Platform
}

func (n *recordingNotifier) Notify(_ context.Context, link PlatformLink, notice Notice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if link.PlatformName == n.failFor {
		return errors.New("platform unreachable")
	}
	n.delivered = append(n.delivered, deliveredNotice{link: link, notice: notice})
	return nil
}

func (n *recordingNotifier) all() []deliveredNotice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]deliveredNotice(nil), n.delivered...)
}
