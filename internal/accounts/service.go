package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/duffelbag/internal/clock"
	"github.com/MarcoPoloResearchLab/duffelbag/internal/credentials"
	"github.com/MarcoPoloResearchLab/duffelbag/internal/database"
	"github.com/MarcoPoloResearchLab/duffelbag/internal/tasks"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultVerificationTimeout = 300 * time.Second

var (
	errMissingDatabase  = errors.New("database handle is required")
	errMissingHasher    = errors.New("password hasher is required")
	errMissingRegistry  = errors.New("task registry is required")
	errMissingDeletions = errors.New("deletion scheduler is required")
	noOpLogger          = zap.NewNop()
)

// ServiceError wraps unexpected infrastructure failures. Its code has the form
// "operation.reason".
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the "operation.reason" identifier.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew          = "accounts.service.new"
	opCreateAccount       = "accounts.create_account"
	opLogin               = "accounts.login"
	opRecoverAccount      = "accounts.recover_account"
	opChangePassword      = "accounts.change_password"
	opDeleteAccount       = "accounts.delete_account"
	opAccountByPlatform   = "accounts.account_by_platform"
	opAddPlatformLink     = "accounts.add_platform_link"
	opRemovePlatformLink  = "accounts.remove_platform_link"
	opListPlatformLinks   = "accounts.list_platform_links"
	opStartVerification   = "accounts.start_verification"
	opCompleteVerify      = "accounts.complete_verification"
	opListGameAccounts    = "accounts.list_game_accounts"
	opSetActive           = "accounts.set_active"
	opGetActive           = "accounts.get_active"
	opScheduleDeletion    = "accounts.schedule_deletion"
	opScheduleGameAccount = "accounts.schedule_game_account_deletion"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of the account service.
type ServiceConfig struct {
	Database            *gorm.DB
	Hasher              credentials.Hasher
	Providers           Providers
	Deletions           *DeletionScheduler
	Registry            *tasks.Registry
	Clock               clock.Clock
	SessionIDs          IDGenerator
	VerificationTimeout time.Duration
	Logger              *zap.Logger
}

// Service manages accounts, their platform links and game accounts.
type Service struct {
	db        *gorm.DB
	hasher    credentials.Hasher
	providers Providers
	deletions *DeletionScheduler
	clock     clock.Clock
	sessions  *sessionStore
	logger    *zap.Logger
}

// NewService validates its dependencies and constructs the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Hasher == nil {
		return nil, newServiceError(opServiceNew, "missing_hasher", errMissingHasher)
	}
	if cfg.Registry == nil {
		return nil, newServiceError(opServiceNew, "missing_registry", errMissingRegistry)
	}
	if cfg.Deletions == nil {
		return nil, newServiceError(opServiceNew, "missing_deletions", errMissingDeletions)
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	sessionIDs := cfg.SessionIDs
	if sessionIDs == nil {
		sessionIDs = newSessionID
	}
	timeout := cfg.VerificationTimeout
	if timeout <= 0 {
		timeout = defaultVerificationTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:        cfg.Database,
		hasher:    cfg.Hasher,
		providers: cfg.Providers,
		deletions: cfg.Deletions,
		clock:     clk,
		sessions:  newSessionStore(cfg.Registry, clk, sessionIDs, timeout, logger),
		logger:    logger,
	}, nil
}

// CreateAccountRequest carries the inputs for a new account and its first link.
type CreateAccountRequest struct {
	Username   string
	Password   string
	Platform   Platform
	PlatformID int64
}

// CreateAccount inserts an account together with its first platform link.
func (s *Service) CreateAccount(ctx context.Context, request CreateAccountRequest) (Account, error) {
	if !request.Platform.Valid() {
		return Account{}, newServiceError(opCreateAccount, "unknown_platform", ErrUnknownPlatform)
	}
	if err := credentials.ValidateUsername(request.Username); err != nil {
		return Account{}, err
	}
	if err := credentials.ValidatePassword(request.Password); err != nil {
		return Account{}, err
	}

	hash, err := s.hasher.Hash(request.Password)
	if err != nil {
		s.logError(opCreateAccount, "hash_failed", err)
		return Account{}, newServiceError(opCreateAccount, "hash_failed", err)
	}

	account := Account{Username: request.Username, PasswordHash: hash}
	linkConflict := false
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&account).Error; err != nil {
			if _, ok := database.AsUniqueConflict(err); ok {
				return &AccountExistsError{Username: request.Username}
			}
			return err
		}
		link := PlatformLink{AccountID: account.ID, PlatformID: request.PlatformID, PlatformName: request.Platform}
		if err := tx.Create(&link).Error; err != nil {
			_, linkConflict = database.AsUniqueConflict(err)
			return err
		}
		return nil
	})
	if txErr != nil {
		if linkConflict {
			return Account{}, s.platformLinkedError(ctx, request.Username, 0, request.Platform, request.PlatformID)
		}
		var exists *AccountExistsError
		if errors.As(txErr, &exists) {
			return Account{}, exists
		}
		s.logError(opCreateAccount, "persist_failed", txErr, zap.String("username", request.Username))
		return Account{}, newServiceError(opCreateAccount, "persist_failed", txErr)
	}

	s.logger.Info("account created",
		zap.Uint64("account_id", account.ID),
		zap.String("platform", string(request.Platform)),
	)
	return account, nil
}

// Login resolves an account by username and password. Unknown usernames and
// wrong passwords fail identically.
func (s *Service) Login(ctx context.Context, username, password string) (Account, error) {
	if err := credentials.ValidateUsername(username); err != nil {
		return Account{}, err
	}
	if err := credentials.ValidatePassword(password); err != nil {
		return Account{}, err
	}

	var account Account
	err := s.db.WithContext(ctx).Where("username = ?", username).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.logger.Info("login rejected", zap.String("reason", "unknown_username"))
		return Account{}, &LoginError{Target: LoginTargetAccount}
	}
	if err != nil {
		s.logError(opLogin, "lookup_failed", err)
		return Account{}, newServiceError(opLogin, "lookup_failed", err)
	}

	if err := s.VerifyPassword(account, password); err != nil {
		return Account{}, err
	}
	return account, nil
}

// VerifyPassword checks password against the stored hash of account.
func (s *Service) VerifyPassword(account Account, password string) error {
	err := s.hasher.Verify(account.PasswordHash, password)
	if err == nil {
		return nil
	}
	if errors.Is(err, credentials.ErrMismatch) {
		s.logger.Info("login rejected", zap.String("reason", "password_mismatch"), zap.Uint64("account_id", account.ID))
		return &LoginError{Target: LoginTargetAccount}
	}
	s.logError(opLogin, "verify_failed", err, zap.Uint64("account_id", account.ID))
	return &LoginError{Target: LoginTargetAccount}
}

// RecoverAccount replaces the password of the account linked to the platform account.
func (s *Service) RecoverAccount(ctx context.Context, platform Platform, platformID int64, newPassword string) (Account, error) {
	if err := credentials.ValidatePassword(newPassword); err != nil {
		return Account{}, err
	}

	account, err := s.AccountByPlatform(ctx, platform, platformID)
	if err != nil {
		var notFound *LinkNotFoundError
		if errors.As(err, &notFound) {
			return Account{}, &LoginError{Target: LoginTargetPlatform, Platform: platform}
		}
		return Account{}, err
	}

	if err := s.updatePasswordHash(ctx, opRecoverAccount, &account, newPassword); err != nil {
		return Account{}, err
	}
	s.logger.Info("account recovered", zap.Uint64("account_id", account.ID), zap.String("platform", string(platform)))
	return account, nil
}

// ChangePassword replaces the password after verifying the current one.
func (s *Service) ChangePassword(ctx context.Context, account Account, currentPassword, newPassword string) (Account, error) {
	if err := credentials.ValidatePassword(newPassword); err != nil {
		return Account{}, err
	}
	if err := s.VerifyPassword(account, currentPassword); err != nil {
		return Account{}, err
	}
	if err := s.updatePasswordHash(ctx, opChangePassword, &account, newPassword); err != nil {
		return Account{}, err
	}
	return account, nil
}

func (s *Service) updatePasswordHash(ctx context.Context, operation string, account *Account, password string) error {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		s.logError(operation, "hash_failed", err)
		return newServiceError(operation, "hash_failed", err)
	}
	err = s.db.WithContext(ctx).
		Model(&Account{}).
		Where("id = ?", account.ID).
		Update("password_hash", hash).
		Error
	if err != nil {
		s.logError(operation, "persist_failed", err, zap.Uint64("account_id", account.ID))
		return newServiceError(operation, "persist_failed", err)
	}
	account.PasswordHash = hash
	return nil
}

// DeleteAccount removes the account and everything linked to it right away.
func (s *Service) DeleteAccount(ctx context.Context, account Account, password string) error {
	if err := s.VerifyPassword(account, password); err != nil {
		return err
	}
	var gameAccountIDs []uint64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&GameAccount{}).Where("account_id = ?", account.ID).Pluck("id", &gameAccountIDs).Error; err != nil {
			return err
		}
		return deleteAccountCascade(tx, account.ID)
	})
	if err != nil {
		s.logError(opDeleteAccount, "delete_failed", err, zap.Uint64("account_id", account.ID))
		return newServiceError(opDeleteAccount, "delete_failed", err)
	}
	s.deletions.forget(account.ID, gameAccountIDs)
	s.CancelVerification(account)
	s.logger.Info("account deleted", zap.Uint64("account_id", account.ID))
	return nil
}

// ResumeDeletions restarts timers for every persisted scheduled deletion.
func (s *Service) ResumeDeletions(ctx context.Context) (int, error) {
	return s.deletions.ResumeAll(ctx)
}

// Shutdown drops pending verification sessions.
func (s *Service) Shutdown() {
	s.sessions.clear()
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("accounts service error", attrs...)
}
