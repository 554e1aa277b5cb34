package accounts

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/duffelbag/internal/database"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ListGameAccounts returns every game account bound to account, oldest first.
func (s *Service) ListGameAccounts(ctx context.Context, account Account) ([]GameAccount, error) {
	var gameAccounts []GameAccount
	err := s.db.WithContext(ctx).Where("account_id = ?", account.ID).Order("id").Find(&gameAccounts).Error
	if err != nil {
		s.logError(opListGameAccounts, "query_failed", err, zap.Uint64("account_id", account.ID))
		return nil, newServiceError(opListGameAccounts, "query_failed", err)
	}
	return gameAccounts, nil
}

// GameAccountByID returns a game account owned by account.
func (s *Service) GameAccountByID(ctx context.Context, account Account, gameAccountID uint64) (GameAccount, error) {
	return s.ownedGameAccount(s.db.WithContext(ctx), account, gameAccountID)
}

func (s *Service) ownedGameAccount(db *gorm.DB, account Account, gameAccountID uint64) (GameAccount, error) {
	var gameAccount GameAccount
	err := db.Where("id = ? AND account_id = ?", gameAccountID, account.ID).Take(&gameAccount).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return GameAccount{}, &GameAccountNotFoundError{Username: account.Username, GameAccountID: gameAccountID}
	}
	return gameAccount, err
}

// SetActive makes the game account the owner's only active one. Selecting the
// already active account writes nothing. A concurrent activation that wins the
// one-active index is demoted on the retry.
func (s *Service) SetActive(ctx context.Context, account Account, gameAccountID uint64) (GameAccount, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		target, err := s.activate(ctx, account, gameAccountID)
		if err == nil {
			return target, nil
		}
		var notFound *GameAccountNotFoundError
		if errors.As(err, &notFound) {
			return GameAccount{}, notFound
		}
		conflict, ok := database.AsUniqueConflict(err)
		if !ok || !isActiveConflict(conflict) {
			s.logError(opSetActive, "persist_failed", err, zap.Uint64("account_id", account.ID))
			return GameAccount{}, newServiceError(opSetActive, "persist_failed", err)
		}
		s.logger.Debug("active game account changed concurrently", zap.Uint64("account_id", account.ID), zap.Int("attempt", attempt+1))
		lastErr = err
	}
	s.logError(opSetActive, "active_conflict", lastErr, zap.Uint64("account_id", account.ID))
	return GameAccount{}, newServiceError(opSetActive, "active_conflict", lastErr)
}

func (s *Service) activate(ctx context.Context, account Account, gameAccountID uint64) (GameAccount, error) {
	var target GameAccount
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		target, err = s.ownedGameAccount(tx, account, gameAccountID)
		if err != nil {
			return err
		}
		if target.Active {
			return nil
		}
		err = tx.Model(&GameAccount{}).
			Where("account_id = ? AND active = ? AND id <> ?", account.ID, true, target.ID).
			Update("active", false).
			Error
		if err != nil {
			return err
		}
		if err := tx.Model(&GameAccount{}).Where("id = ?", target.ID).Update("active", true).Error; err != nil {
			return err
		}
		target.Active = true
		return nil
	})
	return target, err
}

// GetActive returns the owner's active game account. An owner with exactly one
// game account and no flag set has that account promoted and persisted.
func (s *Service) GetActive(ctx context.Context, account Account) (GameAccount, error) {
	var (
		active   GameAccount
		promoted bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("account_id = ? AND active = ?", account.ID, true).Take(&active).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		var candidates []GameAccount
		if err := tx.Where("account_id = ?", account.ID).Limit(2).Find(&candidates).Error; err != nil {
			return err
		}
		if len(candidates) != 1 {
			var total int64
			if err := tx.Model(&GameAccount{}).Where("account_id = ?", account.ID).Count(&total).Error; err != nil {
				return err
			}
			return &NoActiveAccountError{Username: account.Username, Count: int(total)}
		}

		active = candidates[0]
		if err := tx.Model(&GameAccount{}).Where("id = ?", active.ID).Update("active", true).Error; err != nil {
			return err
		}
		active.Active = true
		promoted = true
		return nil
	})
	if err != nil {
		var noActive *NoActiveAccountError
		if errors.As(err, &noActive) {
			return GameAccount{}, noActive
		}
		s.logError(opGetActive, "query_failed", err, zap.Uint64("account_id", account.ID))
		return GameAccount{}, newServiceError(opGetActive, "query_failed", err)
	}
	if promoted {
		s.logger.Info("sole game account promoted to active",
			zap.Uint64("account_id", account.ID),
			zap.Uint64("game_account_id", active.ID),
		)
	}
	return active, nil
}
