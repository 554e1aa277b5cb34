package accounts

import (
	"gorm.io/gorm"
)

// deleteAccountCascade removes an account and every row that depends on it.
func deleteAccountCascade(tx *gorm.DB, accountID uint64) error {
	gameAccountIDs := tx.Model(&GameAccount{}).Select("id").Where("account_id = ?", accountID)
	if err := tx.Where("game_account_id IN (?)", gameAccountIDs).Delete(&ScheduledGameAccountDeletion{}).Error; err != nil {
		return err
	}
	if err := tx.Where("account_id = ?", accountID).Delete(&ScheduledGameAccountDeletion{}).Error; err != nil {
		return err
	}
	if err := tx.Where("account_id = ?", accountID).Delete(&GameAccount{}).Error; err != nil {
		return err
	}
	if err := tx.Where("account_id = ?", accountID).Delete(&PlatformLink{}).Error; err != nil {
		return err
	}
	if err := tx.Where("account_id = ?", accountID).Delete(&ScheduledAccountDeletion{}).Error; err != nil {
		return err
	}
	return tx.Where("id = ?", accountID).Delete(&Account{}).Error
}

// deleteGameAccountCascade removes a game account and its scheduled deletion.
func deleteGameAccountCascade(tx *gorm.DB, gameAccountID uint64) error {
	if err := tx.Where("game_account_id = ?", gameAccountID).Delete(&ScheduledGameAccountDeletion{}).Error; err != nil {
		return err
	}
	return tx.Where("id = ?", gameAccountID).Delete(&GameAccount{}).Error
}

// ownerOfPlatformLink returns the account linked to the platform account.
func ownerOfPlatformLink(db *gorm.DB, platform Platform, platformID int64) (Account, error) {
	var account Account
	err := db.
		Joins("JOIN platform_links ON platform_links.account_id = accounts.id").
		Where("platform_links.platform_name = ? AND platform_links.platform_id = ?", platform, platformID).
		Take(&account).
		Error
	return account, err
}

// ownerOfGameAccount returns the account a remote game account is bound to.
func ownerOfGameAccount(db *gorm.DB, remote RemoteAccount) (Account, error) {
	var account Account
	err := db.
		Joins("JOIN game_accounts ON game_accounts.account_id = accounts.id").
		Where("game_accounts.channel_uid = ? AND game_accounts.token = ?", remote.ChannelUID, remote.Token).
		Take(&account).
		Error
	return account, err
}
