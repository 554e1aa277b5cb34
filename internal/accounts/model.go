package accounts

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Platform names an external chat platform an account can be linked to.
type Platform string

const (
	PlatformDiscord  Platform = "Discord"
	PlatformTelegram Platform = "Telegram"
)

// ErrUnknownPlatform reports a platform name outside Platforms.
var ErrUnknownPlatform = errors.New("accounts: unknown platform")

// Platforms lists every supported chat platform.
func Platforms() []Platform {
	return []Platform{PlatformDiscord, PlatformTelegram}
}

// ParsePlatform resolves a platform name case-insensitively.
func ParsePlatform(raw string) (Platform, error) {
	value := strings.TrimSpace(raw)
	for _, platform := range Platforms() {
		if strings.EqualFold(value, string(platform)) {
			return platform, nil
		}
	}
	return "", fmt.Errorf("%w %q", ErrUnknownPlatform, raw)
}

// Valid reports whether p is one of Platforms, compared exactly.
func (p Platform) Valid() bool {
	for _, platform := range Platforms() {
		if p == platform {
			return true
		}
	}
	return false
}

// Server is the game region a game account lives on.
type Server string

const (
	ServerEN   Server = "en"
	ServerJP   Server = "jp"
	ServerKR   Server = "kr"
	ServerCN   Server = "cn"
	ServerBili Server = "bili"
	ServerTW   Server = "tw"
)

// Servers lists every known game region.
func Servers() []Server {
	return []Server{ServerEN, ServerJP, ServerKR, ServerCN, ServerBili, ServerTW}
}

// ParseServer resolves a region tag case-insensitively.
func ParseServer(raw string) (Server, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	for _, server := range Servers() {
		if value == string(server) {
			return server, nil
		}
	}
	return "", fmt.Errorf("accounts: unknown server %q", raw)
}

// Account is the local root identity.
type Account struct {
	ID           uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	Username     string    `gorm:"column:username;size:32;not null;uniqueIndex:accounts_username_key"`
	PasswordHash string    `gorm:"column:password_hash;size:255;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Account) TableName() string {
	return "accounts"
}

// PlatformLink ties an Account to one chat platform account.
type PlatformLink struct {
	ID           uint64   `gorm:"column:id;primaryKey;autoIncrement"`
	AccountID    uint64   `gorm:"column:account_id;not null;index"`
	PlatformID   int64    `gorm:"column:platform_id;not null;uniqueIndex:platform_links_platform_key,priority:1"`
	PlatformName Platform `gorm:"column:platform_name;size:32;not null;uniqueIndex:platform_links_platform_key,priority:2"`
	Account      *Account `gorm:"foreignKey:AccountID;constraint:OnDelete:CASCADE" json:"-"`
}

func (PlatformLink) TableName() string {
	return "platform_links"
}

// GameAccount ties an Account to a remote game account.
type GameAccount struct {
	ID         uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	AccountID  uint64    `gorm:"column:account_id;not null;index"`
	ChannelUID string    `gorm:"column:channel_uid;size:64;not null;uniqueIndex:game_accounts_channel_token_key,priority:1"`
	Token      string    `gorm:"column:token;size:64;not null;uniqueIndex:game_accounts_channel_token_key,priority:2"`
	Server     Server    `gorm:"column:server;size:8;not null"`
	GameUID    string    `gorm:"column:game_uid;size:64"`
	Active     bool      `gorm:"column:active;not null;default:false"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	Account    *Account  `gorm:"foreignKey:AccountID;constraint:OnDelete:CASCADE" json:"-"`
}

func (GameAccount) TableName() string {
	return "game_accounts"
}

// ScheduledAccountDeletion is a pending grace-period delete of an Account.
type ScheduledAccountDeletion struct {
	ID         uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	AccountID  uint64    `gorm:"column:account_id;not null;uniqueIndex:scheduled_account_deletions_account_key"`
	DeletionTS time.Time `gorm:"column:deletion_ts;not null"`
	Account    *Account  `gorm:"foreignKey:AccountID;constraint:OnDelete:CASCADE" json:"-"`
}

func (ScheduledAccountDeletion) TableName() string {
	return "scheduled_account_deletions"
}

// ScheduledGameAccountDeletion is a pending grace-period delete of a GameAccount.
// AccountID is kept for owner notification.
type ScheduledGameAccountDeletion struct {
	ID            uint64       `gorm:"column:id;primaryKey;autoIncrement"`
	GameAccountID uint64       `gorm:"column:game_account_id;not null;uniqueIndex:scheduled_game_account_deletions_target_key"`
	AccountID     uint64       `gorm:"column:account_id;not null;index"`
	DeletionTS    time.Time    `gorm:"column:deletion_ts;not null"`
	GameAccount   *GameAccount `gorm:"foreignKey:GameAccountID;constraint:OnDelete:CASCADE" json:"-"`
}

func (ScheduledGameAccountDeletion) TableName() string {
	return "scheduled_game_account_deletions"
}

// Models returns every persisted type for schema migration.
func Models() []interface{} {
	return []interface{}{
		&Account{},
		&PlatformLink{},
		&GameAccount{},
		&ScheduledAccountDeletion{},
		&ScheduledGameAccountDeletion{},
	}
}
