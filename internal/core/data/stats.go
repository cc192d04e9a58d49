package data

import (
	"time"

	"gorm.io/gorm"
)

// StatsRecord is the aggregate result of one play of one song by one account.
type StatsRecord struct {
	ID        uint64 `gorm:"primaryKey"`
	AccountID uint64 `gorm:"index"`
	SongID    uint64 `gorm:"index"`

	Score      int
	MaxCombo   int
	Grade      int
	Feet       int
	Difficulty int

	// Judgment counters, one column per category that affects scoring.
	HitMines int
	Misses   int
	W5s      int
	W4s      int
	W3s      int
	W2s      int
	W1s      int

	PlaySeconds int
	CreatedAt   time.Time
}

// RecordStats persists the StatsRecord to the database.
func RecordStats(db *gorm.DB, stats *StatsRecord) error {
	return db.Create(stats).Error
}

// Ban marks an account as banned. OriginID records the account of the
// moderator (or hook) that issued the ban, zero when the server did.
type Ban struct {
	ID        uint64 `gorm:"primaryKey"`
	AccountID uint64 `gorm:"index"`
	OriginID  uint64
	IP        string
	CreatedAt time.Time
}

// CreateBan persists the Ban record to the database.
func CreateBan(db *gorm.DB, ban *Ban) error {
	return db.Create(ban).Error
}

// IsBanned reports whether any ban rows exist for the account.
func IsBanned(db *gorm.DB, accountID uint64) (bool, error) {
	var count int64
	if err := db.Model(&Ban{}).Where("account_id = ?", accountID).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}
