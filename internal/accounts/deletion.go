package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/duffelbag/internal/clock"
	"github.com/MarcoPoloResearchLab/duffelbag/internal/database"
	"github.com/MarcoPoloResearchLab/duffelbag/internal/tasks"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultGracePeriod = 24 * time.Hour

const (
	deletionRetryBase = 30 * time.Second
	deletionRetryMax  = 15 * time.Minute
)

const (
	opDeletionSchedulerNew = "accounts.deletion_scheduler.new"
	opResumeDeletions      = "accounts.resume_deletions"
	opRunDeletion          = "accounts.run_deletion"
)

// NoticeKind identifies the event an owner is notified about.
type NoticeKind string

const (
	NoticeAccountDeleted     NoticeKind = "account_deleted"
	NoticeGameAccountDeleted NoticeKind = "game_account_deleted"
)

// Notice is sent to every platform account of an owner after a deletion runs.
type Notice struct {
	Kind        NoticeKind
	Username    string
	GameAccount string
	Server      Server
	DeletedAt   time.Time
}

// Notifier delivers a notice to one platform account.
type Notifier interface {
	Notify(ctx context.Context, link PlatformLink, notice Notice) error
}

// ProfileSource resolves display names for game accounts in notices.
type ProfileSource interface {
	Profile(ctx context.Context, gameAccount GameAccount) (GameProfile, error)
}

// DeletionSchedulerConfig describes the dependencies of a DeletionScheduler.
type DeletionSchedulerConfig struct {
	Database    *gorm.DB
	Registry    *tasks.Registry
	Clock       clock.Clock
	Notifier    Notifier
	Profiles    ProfileSource
	GracePeriod time.Duration
	Logger      *zap.Logger
}

// DeletionScheduler turns scheduled deletion rows into timed deletes that survive
// restarts through ResumeAll. Owners cannot cancel a scheduled deletion.
type DeletionScheduler struct {
	db          *gorm.DB
	registry    *tasks.Registry
	clock       clock.Clock
	notifier    Notifier
	profiles    ProfileSource
	gracePeriod time.Duration
	logger      *zap.Logger
}

// NewDeletionScheduler validates its dependencies and constructs the scheduler.
func NewDeletionScheduler(cfg DeletionSchedulerConfig) (*DeletionScheduler, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opDeletionSchedulerNew, "missing_database", errMissingDatabase)
	}
	if cfg.Registry == nil {
		return nil, newServiceError(opDeletionSchedulerNew, "missing_registry", errMissingRegistry)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	gracePeriod := cfg.GracePeriod
	if gracePeriod <= 0 {
		gracePeriod = defaultGracePeriod
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &DeletionScheduler{
		db:          cfg.Database,
		registry:    cfg.Registry,
		clock:       clk,
		notifier:    cfg.Notifier,
		profiles:    cfg.Profiles,
		gracePeriod: gracePeriod,
		logger:      logger,
	}, nil
}

// GracePeriod is the delay between scheduling and executing a deletion.
func (d *DeletionScheduler) GracePeriod() time.Duration {
	return d.gracePeriod
}

func accountDeletionKey(accountID uint64) string {
	return fmt.Sprintf("deletion:account:%d", accountID)
}

func gameAccountDeletionKey(gameAccountID uint64) string {
	return fmt.Sprintf("deletion:game_account:%d", gameAccountID)
}

func (d *DeletionScheduler) deadline() time.Time {
	return d.clock.Now().Add(d.gracePeriod).UTC().Truncate(time.Microsecond)
}

// QueueAccount persists a deletion for account and starts its timer.
func (d *DeletionScheduler) QueueAccount(ctx context.Context, account Account) (ScheduledAccountDeletion, error) {
	scheduled := ScheduledAccountDeletion{AccountID: account.ID, DeletionTS: d.deadline()}
	err := d.db.WithContext(ctx).Create(&scheduled).Error
	if err != nil {
		if _, ok := database.AsUniqueConflict(err); !ok {
			d.logError(opScheduleDeletion, "persist_failed", err, zap.Uint64("account_id", account.ID))
			return ScheduledAccountDeletion{}, newServiceError(opScheduleDeletion, "persist_failed", err)
		}
		var existing ScheduledAccountDeletion
		if err := d.db.WithContext(ctx).Where("account_id = ?", account.ID).Take(&existing).Error; err != nil {
			d.logError(opScheduleDeletion, "lookup_failed", err, zap.Uint64("account_id", account.ID))
			return ScheduledAccountDeletion{}, newServiceError(opScheduleDeletion, "lookup_failed", err)
		}
		return ScheduledAccountDeletion{}, &DeletionQueuedError{
			Target:     DeletionTargetAccount,
			Username:   account.Username,
			DeletionTS: existing.DeletionTS,
		}
	}

	d.spawnAccount(scheduled.AccountID, scheduled.DeletionTS, 0)
	d.logger.Info("account deletion scheduled",
		zap.Uint64("account_id", account.ID),
		zap.Time("deletion_ts", scheduled.DeletionTS),
	)
	return scheduled, nil
}

// QueueGameAccount persists a deletion for gameAccount and starts its timer.
func (d *DeletionScheduler) QueueGameAccount(ctx context.Context, account Account, gameAccount GameAccount) (ScheduledGameAccountDeletion, error) {
	scheduled := ScheduledGameAccountDeletion{
		GameAccountID: gameAccount.ID,
		AccountID:     account.ID,
		DeletionTS:    d.deadline(),
	}
	err := d.db.WithContext(ctx).Create(&scheduled).Error
	if err != nil {
		if _, ok := database.AsUniqueConflict(err); !ok {
			d.logError(opScheduleGameAccount, "persist_failed", err, zap.Uint64("game_account_id", gameAccount.ID))
			return ScheduledGameAccountDeletion{}, newServiceError(opScheduleGameAccount, "persist_failed", err)
		}
		var existing ScheduledGameAccountDeletion
		if err := d.db.WithContext(ctx).Where("game_account_id = ?", gameAccount.ID).Take(&existing).Error; err != nil {
			d.logError(opScheduleGameAccount, "lookup_failed", err, zap.Uint64("game_account_id", gameAccount.ID))
			return ScheduledGameAccountDeletion{}, newServiceError(opScheduleGameAccount, "lookup_failed", err)
		}
		return ScheduledGameAccountDeletion{}, &DeletionQueuedError{
			Target:     DeletionTargetGameAccount,
			Username:   account.Username,
			DeletionTS: existing.DeletionTS,
		}
	}

	d.spawnGameAccount(scheduled.GameAccountID, scheduled.DeletionTS, 0)
	d.logger.Info("game account deletion scheduled",
		zap.Uint64("game_account_id", gameAccount.ID),
		zap.Time("deletion_ts", scheduled.DeletionTS),
	)
	return scheduled, nil
}

// ResumeAll starts a timer for every persisted deletion. Overdue deletions run
// immediately; others wait only for their remaining time.
func (d *DeletionScheduler) ResumeAll(ctx context.Context) (int, error) {
	var accountRows []ScheduledAccountDeletion
	if err := d.db.WithContext(ctx).Order("deletion_ts").Find(&accountRows).Error; err != nil {
		d.logError(opResumeDeletions, "query_failed", err)
		return 0, newServiceError(opResumeDeletions, "query_failed", err)
	}
	var gameAccountRows []ScheduledGameAccountDeletion
	if err := d.db.WithContext(ctx).Order("deletion_ts").Find(&gameAccountRows).Error; err != nil {
		d.logError(opResumeDeletions, "query_failed", err)
		return 0, newServiceError(opResumeDeletions, "query_failed", err)
	}

	resumed := 0
	for _, row := range accountRows {
		if d.spawnAccount(row.AccountID, row.DeletionTS, 0) {
			resumed++
		}
	}
	for _, row := range gameAccountRows {
		if d.spawnGameAccount(row.GameAccountID, row.DeletionTS, 0) {
			resumed++
		}
	}
	d.logger.Info("scheduled deletions resumed", zap.Int("count", resumed))
	return resumed, nil
}

// PendingDeletions lists the deletions waiting on an account.
type PendingDeletions struct {
	Account      *ScheduledAccountDeletion
	GameAccounts []ScheduledGameAccountDeletion
}

// Pending returns the scheduled deletions owned by account.
func (d *DeletionScheduler) Pending(ctx context.Context, account Account) (PendingDeletions, error) {
	var pending PendingDeletions
	var accountRow ScheduledAccountDeletion
	err := d.db.WithContext(ctx).Where("account_id = ?", account.ID).Take(&accountRow).Error
	switch {
	case err == nil:
		pending.Account = &accountRow
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return PendingDeletions{}, newServiceError(opScheduleDeletion, "lookup_failed", err)
	}
	if err := d.db.WithContext(ctx).Where("account_id = ?", account.ID).Order("deletion_ts").Find(&pending.GameAccounts).Error; err != nil {
		return PendingDeletions{}, newServiceError(opScheduleGameAccount, "lookup_failed", err)
	}
	return pending, nil
}

// spawnAccount holds the account deletion under its registry key. A run that
// fails on storage is spawned again after retryDelay(attempt).
func (d *DeletionScheduler) spawnAccount(accountID uint64, due time.Time, attempt int) bool {
	return d.registry.Spawn(accountDeletionKey(accountID), due, func(ctx context.Context) {
		if d.runAccount(ctx, accountID) || ctx.Err() != nil {
			return
		}
		delay := retryDelay(attempt)
		d.logger.Warn("scheduled account deletion will be retried",
			zap.Uint64("account_id", accountID),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
		)
		d.spawnAccount(accountID, d.clock.Now().Add(delay), attempt+1)
	})
}

func (d *DeletionScheduler) spawnGameAccount(gameAccountID uint64, due time.Time, attempt int) bool {
	return d.registry.Spawn(gameAccountDeletionKey(gameAccountID), due, func(ctx context.Context) {
		if d.runGameAccount(ctx, gameAccountID) || ctx.Err() != nil {
			return
		}
		delay := retryDelay(attempt)
		d.logger.Warn("scheduled game account deletion will be retried",
			zap.Uint64("game_account_id", gameAccountID),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
		)
		d.spawnGameAccount(gameAccountID, d.clock.Now().Add(delay), attempt+1)
	})
}

func retryDelay(attempt int) time.Duration {
	delay := deletionRetryBase
	for i := 0; i < attempt && delay < deletionRetryMax; i++ {
		delay *= 2
	}
	if delay > deletionRetryMax {
		delay = deletionRetryMax
	}
	return delay
}

// forget drops the timers of an account and its game accounts once their rows
// are gone.
func (d *DeletionScheduler) forget(accountID uint64, gameAccountIDs []uint64) {
	d.registry.Cancel(accountDeletionKey(accountID))
	for _, gameAccountID := range gameAccountIDs {
		d.registry.Cancel(gameAccountDeletionKey(gameAccountID))
	}
}

// runAccount reports false when the deletion could not reach storage and should
// be tried again.
func (d *DeletionScheduler) runAccount(ctx context.Context, accountID uint64) bool {
	db := d.db.WithContext(ctx)
	var account Account
	err := db.Where("id = ?", accountID).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		d.logger.Info("scheduled account deletion target already gone", zap.Uint64("account_id", accountID))
		if err := db.Where("account_id = ?", accountID).Delete(&ScheduledAccountDeletion{}).Error; err != nil {
			d.logError(opRunDeletion, "cleanup_failed", err, zap.Uint64("account_id", accountID))
			return false
		}
		return true
	}
	if err != nil {
		d.logError(opRunDeletion, "lookup_failed", err, zap.Uint64("account_id", accountID))
		return false
	}

	var links []PlatformLink
	if err := db.Where("account_id = ?", accountID).Find(&links).Error; err != nil {
		d.logger.Warn("platform links unavailable for deletion notice", zap.Uint64("account_id", accountID), zap.Error(err))
	}
	var gameAccountIDs []uint64
	if err := db.Model(&GameAccount{}).Where("account_id = ?", accountID).Pluck("id", &gameAccountIDs).Error; err != nil {
		d.logger.Warn("game accounts unavailable for timer cleanup", zap.Uint64("account_id", accountID), zap.Error(err))
	}

	if err := db.Transaction(func(tx *gorm.DB) error {
		return deleteAccountCascade(tx, accountID)
	}); err != nil {
		d.logError(opRunDeletion, "delete_failed", err, zap.Uint64("account_id", accountID))
		return false
	}
	d.forget(accountID, gameAccountIDs)
	d.logger.Info("scheduled account deletion executed", zap.Uint64("account_id", accountID))

	d.notifyAll(ctx, links, Notice{
		Kind:      NoticeAccountDeleted,
		Username:  account.Username,
		DeletedAt: d.clock.Now(),
	})
	return true
}

func (d *DeletionScheduler) runGameAccount(ctx context.Context, gameAccountID uint64) bool {
	db := d.db.WithContext(ctx)
	var gameAccount GameAccount
	err := db.Where("id = ?", gameAccountID).Take(&gameAccount).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		d.logger.Info("scheduled game account deletion target already gone", zap.Uint64("game_account_id", gameAccountID))
		if err := db.Where("game_account_id = ?", gameAccountID).Delete(&ScheduledGameAccountDeletion{}).Error; err != nil {
			d.logError(opRunDeletion, "cleanup_failed", err, zap.Uint64("game_account_id", gameAccountID))
			return false
		}
		return true
	}
	if err != nil {
		d.logError(opRunDeletion, "lookup_failed", err, zap.Uint64("game_account_id", gameAccountID))
		return false
	}

	var owner Account
	if err := db.Where("id = ?", gameAccount.AccountID).Take(&owner).Error; err != nil {
		d.logger.Warn("game account owner unavailable for deletion notice", zap.Uint64("game_account_id", gameAccountID), zap.Error(err))
	}
	var links []PlatformLink
	if err := db.Where("account_id = ?", gameAccount.AccountID).Find(&links).Error; err != nil {
		d.logger.Warn("platform links unavailable for deletion notice", zap.Uint64("game_account_id", gameAccountID), zap.Error(err))
	}
	label := d.gameAccountLabel(ctx, gameAccount)

	if err := db.Transaction(func(tx *gorm.DB) error {
		return deleteGameAccountCascade(tx, gameAccountID)
	}); err != nil {
		d.logError(opRunDeletion, "delete_failed", err, zap.Uint64("game_account_id", gameAccountID))
		return false
	}
	d.logger.Info("scheduled game account deletion executed", zap.Uint64("game_account_id", gameAccountID))

	d.notifyAll(ctx, links, Notice{
		Kind:        NoticeGameAccountDeleted,
		Username:    owner.Username,
		GameAccount: label,
		Server:      gameAccount.Server,
		DeletedAt:   d.clock.Now(),
	})
	return true
}

func (d *DeletionScheduler) gameAccountLabel(ctx context.Context, gameAccount GameAccount) string {
	fallback := GameProfile{UID: gameAccount.GameUID}
	if fallback.UID == "" {
		fallback.UID = gameAccount.ChannelUID
	}
	if d.profiles == nil {
		return fallback.DisplayName()
	}
	profile, err := d.profiles.Profile(ctx, gameAccount)
	if err != nil {
		d.logger.Warn("game profile unavailable for deletion notice", zap.Uint64("game_account_id", gameAccount.ID), zap.Error(err))
		return fallback.DisplayName()
	}
	return profile.DisplayName()
}

func (d *DeletionScheduler) notifyAll(ctx context.Context, links []PlatformLink, notice Notice) {
	if d.notifier == nil {
		return
	}
	for _, link := range links {
		if err := d.notifier.Notify(ctx, link, notice); err != nil {
			d.logger.Warn("deletion notice failed",
				zap.String("platform", string(link.PlatformName)),
				zap.Int64("platform_id", link.PlatformID),
				zap.Error(err),
			)
		}
	}
}

func (d *DeletionScheduler) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	d.logger.Error("deletion scheduler error", attrs...)
}

// ScheduleAccountDeletion verifies ownership and queues the account for deletion
// after the grace period.
func (s *Service) ScheduleAccountDeletion(ctx context.Context, account Account, password string) (ScheduledAccountDeletion, error) {
	if err := s.VerifyPassword(account, password); err != nil {
		return ScheduledAccountDeletion{}, err
	}
	return s.deletions.QueueAccount(ctx, account)
}

// ScheduleGameAccountDeletion verifies ownership and queues one of the caller's
// game accounts for deletion after the grace period.
func (s *Service) ScheduleGameAccountDeletion(ctx context.Context, account Account, gameAccountID uint64, password string) (ScheduledGameAccountDeletion, error) {
	if err := s.VerifyPassword(account, password); err != nil {
		return ScheduledGameAccountDeletion{}, err
	}
	gameAccount, err := s.GameAccountByID(ctx, account, gameAccountID)
	if err != nil {
		return ScheduledGameAccountDeletion{}, err
	}
	return s.deletions.QueueGameAccount(ctx, account, gameAccount)
}

// PendingDeletions returns the deletions waiting on account.
func (s *Service) PendingDeletions(ctx context.Context, account Account) (PendingDeletions, error) {
	return s.deletions.Pending(ctx, account)
}
