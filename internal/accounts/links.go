package accounts

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/duffelbag/internal/database"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AccountByPlatform resolves the account linked to a platform account.
func (s *Service) AccountByPlatform(ctx context.Context, platform Platform, platformID int64) (Account, error) {
	account, err := ownerOfPlatformLink(s.db.WithContext(ctx), platform, platformID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, &LinkNotFoundError{Platform: platform, PlatformID: platformID}
	}
	if err != nil {
		s.logError(opAccountByPlatform, "lookup_failed", err)
		return Account{}, newServiceError(opAccountByPlatform, "lookup_failed", err)
	}
	return account, nil
}

// AddPlatformLink links another platform account to account.
func (s *Service) AddPlatformLink(ctx context.Context, account Account, platform Platform, platformID int64) (PlatformLink, error) {
	if !platform.Valid() {
		return PlatformLink{}, newServiceError(opAddPlatformLink, "unknown_platform", ErrUnknownPlatform)
	}
	link := PlatformLink{AccountID: account.ID, PlatformID: platformID, PlatformName: platform}
	err := s.db.WithContext(ctx).Create(&link).Error
	if err == nil {
		s.logger.Info("platform link added", zap.Uint64("account_id", account.ID), zap.String("platform", string(platform)))
		return link, nil
	}
	if _, ok := database.AsUniqueConflict(err); ok {
		return PlatformLink{}, s.platformLinkedError(ctx, account.Username, account.ID, platform, platformID)
	}
	s.logError(opAddPlatformLink, "persist_failed", err, zap.Uint64("account_id", account.ID))
	return PlatformLink{}, newServiceError(opAddPlatformLink, "persist_failed", err)
}

// RemovePlatformLink unlinks a platform account from account.
func (s *Service) RemovePlatformLink(ctx context.Context, account Account, platform Platform, platformID int64) error {
	result := s.db.WithContext(ctx).
		Where("account_id = ? AND platform_name = ? AND platform_id = ?", account.ID, platform, platformID).
		Delete(&PlatformLink{})
	if result.Error != nil {
		s.logError(opRemovePlatformLink, "delete_failed", result.Error, zap.Uint64("account_id", account.ID))
		return newServiceError(opRemovePlatformLink, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return &LinkNotFoundError{Username: account.Username, Platform: platform, PlatformID: platformID}
	}
	s.logger.Info("platform link removed", zap.Uint64("account_id", account.ID), zap.String("platform", string(platform)))
	return nil
}

// ListPlatformLinks returns the links of account, optionally for one platform only.
func (s *Service) ListPlatformLinks(ctx context.Context, account Account, platform *Platform) ([]PlatformLink, error) {
	query := s.db.WithContext(ctx).Where("account_id = ?", account.ID)
	if platform != nil {
		query = query.Where("platform_name = ?", *platform)
	}
	var links []PlatformLink
	if err := query.Order("id").Find(&links).Error; err != nil {
		s.logError(opListPlatformLinks, "query_failed", err, zap.Uint64("account_id", account.ID))
		return nil, newServiceError(opListPlatformLinks, "query_failed", err)
	}
	return links, nil
}

// platformLinkedError describes the current owner of a conflicting platform link.
// callerID is zero when the caller has no persisted account yet.
func (s *Service) platformLinkedError(ctx context.Context, username string, callerID uint64, platform Platform, platformID int64) error {
	conflict := &PlatformLinkedError{Username: username, Platform: platform, PlatformID: platformID}
	owner, err := ownerOfPlatformLink(s.db.WithContext(ctx), platform, platformID)
	if err != nil {
		s.logger.Warn("platform link owner lookup failed", zap.Error(err))
		return conflict
	}
	conflict.ExistingUsername = owner.Username
	conflict.IsOwn = callerID != 0 && owner.ID == callerID
	return conflict
}
