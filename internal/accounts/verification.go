package accounts

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/duffelbag/internal/clock"
	"github.com/MarcoPoloResearchLab/duffelbag/internal/database"
	"github.com/MarcoPoloResearchLab/duffelbag/internal/tasks"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrInvalidCode is wrapped by providers when a one-time code is rejected.
var ErrInvalidCode = errors.New("accounts: invalid verification code")

var errSessionExists = errors.New("verification session already exists")

// RemoteAccount is the durable handle a provider returns for a verified game account.
type RemoteAccount struct {
	ChannelUID string
	Token      string
}

// GameProfile is the public profile of a game account.
type GameProfile struct {
	UID        string
	Nickname   string
	NickNumber string
}

// DisplayName renders the profile as nickname#number, falling back to the uid.
func (p GameProfile) DisplayName() string {
	if p.Nickname == "" {
		return p.UID
	}
	if p.NickNumber == "" {
		return p.Nickname
	}
	return p.Nickname + "#" + p.NickNumber
}

// VerificationProvider performs the remote half of the email code handshake.
type VerificationProvider interface {
	SendCode(ctx context.Context, email string) error
	RedeemCode(ctx context.Context, email, code string) (RemoteAccount, error)
	FetchProfile(ctx context.Context, remote RemoteAccount) (GameProfile, error)
}

// Providers routes each game server to its verification provider.
type Providers struct {
	byServer map[Server]VerificationProvider
}

// NewProviders builds a router from per-server providers. Nil entries are ignored.
func NewProviders(byServer map[Server]VerificationProvider) Providers {
	routed := make(map[Server]VerificationProvider, len(byServer))
	for server, provider := range byServer {
		if provider != nil {
			routed[server] = provider
		}
	}
	return Providers{byServer: routed}
}

// For returns the provider for server. Only the global Yostar regions have one.
func (p Providers) For(server Server) (VerificationProvider, error) {
	switch server {
	case ServerEN, ServerJP, ServerKR:
		if provider, ok := p.byServer[server]; ok {
			return provider, nil
		}
		return nil, &UnsupportedServerError{Server: server}
	case ServerCN, ServerBili, ServerTW:
		return nil, &UnsupportedServerError{Server: server}
	default:
		return nil, &UnsupportedServerError{Server: server}
	}
}

// Profile fetches the public profile of a stored game account.
func (p Providers) Profile(ctx context.Context, gameAccount GameAccount) (GameProfile, error) {
	provider, err := p.For(gameAccount.Server)
	if err != nil {
		return GameProfile{}, err
	}
	return provider.FetchProfile(ctx, RemoteAccount{ChannelUID: gameAccount.ChannelUID, Token: gameAccount.Token})
}

// IDGenerator issues verification session identifiers.
type IDGenerator func() (string, error)

func newSessionID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// VerificationSession is an outstanding email code handshake.
type VerificationSession struct {
	ID        string
	AccountID uint64
	Server    Server
	Email     string
	ExpiresAt time.Time
}

type pendingSession struct {
	VerificationSession
	armed bool
}

// sessionStore holds at most one verification session per account.
type sessionStore struct {
	registry *tasks.Registry
	clock    clock.Clock
	newID    IDGenerator
	timeout  time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	sessions map[uint64]*pendingSession
}

func newSessionStore(registry *tasks.Registry, clk clock.Clock, newID IDGenerator, timeout time.Duration, logger *zap.Logger) *sessionStore {
	return &sessionStore{
		registry: registry,
		clock:    clk,
		newID:    newID,
		timeout:  timeout,
		logger:   logger,
		sessions: make(map[uint64]*pendingSession),
	}
}

func sessionTaskKey(sessionID string) string {
	return "verification:" + sessionID
}

// reserve claims the account's slot before any provider call is made.
func (s *sessionStore) reserve(accountID uint64, server Server, email string) (VerificationSession, error) {
	id, err := s.newID()
	if err != nil {
		return VerificationSession{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[accountID]; exists {
		return VerificationSession{}, errSessionExists
	}
	session := VerificationSession{ID: id, AccountID: accountID, Server: server, Email: email}
	s.sessions[accountID] = &pendingSession{VerificationSession: session}
	return session, nil
}

// arm starts the expiry timer once the code has been sent.
func (s *sessionStore) arm(session VerificationSession) VerificationSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending, ok := s.sessions[session.AccountID]
	if !ok || pending.ID != session.ID {
		return session
	}
	pending.ExpiresAt = s.clock.Now().Add(s.timeout)
	pending.armed = true
	accountID, sessionID := session.AccountID, session.ID
	s.registry.Spawn(sessionTaskKey(sessionID), pending.ExpiresAt, func(context.Context) {
		s.expire(accountID, sessionID)
	})
	return pending.VerificationSession
}

func (s *sessionStore) release(accountID uint64, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pending, ok := s.sessions[accountID]; ok && pending.ID == sessionID {
		delete(s.sessions, accountID)
	}
}

func (s *sessionStore) lookup(accountID uint64) (VerificationSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending, ok := s.sessions[accountID]
	if !ok || !pending.armed {
		return VerificationSession{}, false
	}
	if !s.clock.Now().Before(pending.ExpiresAt) {
		return VerificationSession{}, false
	}
	return pending.VerificationSession, true
}

// finish removes a session and stops its expiry timer.
func (s *sessionStore) finish(accountID uint64, sessionID string) bool {
	s.mu.Lock()
	pending, ok := s.sessions[accountID]
	if !ok || pending.ID != sessionID {
		s.mu.Unlock()
		return false
	}
	delete(s.sessions, accountID)
	s.mu.Unlock()
	s.registry.Cancel(sessionTaskKey(sessionID))
	return true
}

func (s *sessionStore) expire(accountID uint64, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pending, ok := s.sessions[accountID]; ok && pending.ID == sessionID {
		delete(s.sessions, accountID)
		s.logger.Info("verification session expired", zap.Uint64("account_id", accountID))
	}
}

func (s *sessionStore) clear() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for accountID, pending := range s.sessions {
		ids = append(ids, pending.ID)
		delete(s.sessions, accountID)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.registry.Cancel(sessionTaskKey(id))
	}
}

// StartVerification asks the server's provider to email a one-time code and opens a
// session that expires after the verification timeout.
func (s *Service) StartVerification(ctx context.Context, account Account, server Server, email string) (VerificationSession, error) {
	address, err := normalizeEmail(email)
	if err != nil {
		return VerificationSession{}, err
	}
	provider, err := s.providers.For(server)
	if err != nil {
		return VerificationSession{}, err
	}

	session, err := s.sessions.reserve(account.ID, server, address)
	if errors.Is(err, errSessionExists) {
		return VerificationSession{}, &AuthenticationStateError{Username: account.Username, InProgress: true}
	}
	if err != nil {
		s.logError(opStartVerification, "session_id_failed", err)
		return VerificationSession{}, newServiceError(opStartVerification, "session_id_failed", err)
	}

	if err := provider.SendCode(ctx, address); err != nil {
		s.sessions.release(account.ID, session.ID)
		s.logger.Warn("verification code request failed",
			zap.Uint64("account_id", account.ID),
			zap.String("server", string(server)),
			zap.Error(err),
		)
		return VerificationSession{}, &ProviderError{Server: server, Err: err}
	}

	session = s.sessions.arm(session)
	s.logger.Info("verification started", zap.Uint64("account_id", account.ID), zap.String("server", string(server)))
	return session, nil
}

// CompleteVerification redeems the emailed code and binds the resulting game account.
// A failed attempt keeps the session open until it expires.
func (s *Service) CompleteVerification(ctx context.Context, account Account, email, code string) (GameAccount, error) {
	address, err := normalizeEmail(email)
	if err != nil {
		return GameAccount{}, err
	}
	session, ok := s.sessions.lookup(account.ID)
	if !ok || session.Email != address {
		return GameAccount{}, &AuthenticationStateError{Username: account.Username, InProgress: false}
	}
	provider, err := s.providers.For(session.Server)
	if err != nil {
		return GameAccount{}, err
	}

	code = strings.TrimSpace(code)
	if code == "" {
		return GameAccount{}, &VerificationError{Username: account.Username, Err: ErrInvalidCode}
	}
	remote, err := provider.RedeemCode(ctx, address, code)
	if err != nil {
		if errors.Is(err, ErrInvalidCode) {
			s.logger.Info("verification code rejected", zap.Uint64("account_id", account.ID))
			return GameAccount{}, &VerificationError{Username: account.Username, Err: err}
		}
		s.logger.Warn("verification code redemption failed", zap.Uint64("account_id", account.ID), zap.Error(err))
		return GameAccount{}, &ProviderError{Server: session.Server, Err: err}
	}

	if owner, err := ownerOfGameAccount(s.db.WithContext(ctx), remote); err == nil {
		return GameAccount{}, &GameAccountLinkedError{
			Username:         account.Username,
			ExistingUsername: owner.Username,
			IsOwn:            owner.ID == account.ID,
		}
	}

	gameUID := ""
	if profile, err := provider.FetchProfile(ctx, remote); err != nil {
		s.logger.Warn("game profile lookup failed", zap.Uint64("account_id", account.ID), zap.Error(err))
	} else {
		gameUID = profile.UID
	}

	gameAccount, err := s.insertGameAccount(ctx, account, session.Server, remote, gameUID)
	if err != nil {
		return GameAccount{}, err
	}
	s.sessions.finish(account.ID, session.ID)
	s.logger.Info("game account linked",
		zap.Uint64("account_id", account.ID),
		zap.Uint64("game_account_id", gameAccount.ID),
		zap.Bool("active", gameAccount.Active),
	)
	return gameAccount, nil
}

// CancelVerification drops the account's outstanding session, if any.
func (s *Service) CancelVerification(account Account) bool {
	s.sessions.mu.Lock()
	pending, ok := s.sessions.sessions[account.ID]
	s.sessions.mu.Unlock()
	if !ok {
		return false
	}
	return s.sessions.finish(account.ID, pending.ID)
}

// PendingVerification returns the account's armed session.
func (s *Service) PendingVerification(account Account) (VerificationSession, bool) {
	return s.sessions.lookup(account.ID)
}

// insertGameAccount relies on the unique indexes for both the (channel, token) pair
// and the single active row per owner. Losing the active race retries as inactive.
func (s *Service) insertGameAccount(ctx context.Context, account Account, server Server, remote RemoteAccount, gameUID string) (GameAccount, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		gameAccount := GameAccount{
			AccountID:  account.ID,
			ChannelUID: remote.ChannelUID,
			Token:      remote.Token,
			Server:     server,
			GameUID:    gameUID,
		}
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var activeCount int64
			if err := tx.Model(&GameAccount{}).Where("account_id = ? AND active = ?", account.ID, true).Count(&activeCount).Error; err != nil {
				return err
			}
			gameAccount.Active = activeCount == 0
			return tx.Create(&gameAccount).Error
		})
		if err == nil {
			return gameAccount, nil
		}
		conflict, ok := database.AsUniqueConflict(err)
		if !ok {
			s.logError(opCompleteVerify, "persist_failed", err, zap.Uint64("account_id", account.ID))
			return GameAccount{}, newServiceError(opCompleteVerify, "persist_failed", err)
		}
		if !isActiveConflict(conflict) {
			return GameAccount{}, s.gameAccountLinkedError(ctx, account, remote)
		}
		lastErr = err
	}
	s.logError(opCompleteVerify, "active_conflict", lastErr, zap.Uint64("account_id", account.ID))
	return GameAccount{}, newServiceError(opCompleteVerify, "active_conflict", lastErr)
}

func isActiveConflict(conflict *database.UniqueConflict) bool {
	if conflict.Involves(database.OneActiveIndex) {
		return true
	}
	return conflict.Involves("account_id") && !conflict.Involves("channel_uid")
}

func (s *Service) gameAccountLinkedError(ctx context.Context, account Account, remote RemoteAccount) error {
	conflict := &GameAccountLinkedError{Username: account.Username}
	owner, err := ownerOfGameAccount(s.db.WithContext(ctx), remote)
	if err != nil {
		s.logger.Warn("game account owner lookup failed", zap.Error(err))
		return conflict
	}
	conflict.ExistingUsername = owner.Username
	conflict.IsOwn = owner.ID == account.ID
	return conflict
}

func normalizeEmail(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	address, err := mail.ParseAddress(trimmed)
	if err != nil || address.Address != trimmed {
		return "", &InvalidEmailError{Email: raw}
	}
	return strings.ToLower(address.Address), nil
}
