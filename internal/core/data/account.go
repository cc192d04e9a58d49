package data

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// Rank is an account's administrative rank.
type Rank int

const (
	RankUser Rank = iota
	RankModerator
	RankAdmin
)

// Account contains the login information specific to each registered user.
// Passwords are stored as the 32 character hex hash the client submits.
type Account struct {
	ID               uint64 `gorm:"primaryKey"`
	Username         string `gorm:"unique; not null"`
	Password         string `gorm:"not null"`
	Email            string
	Rank             Rank `gorm:"default:0"`
	XP               int  `gorm:"default:0"`
	RegistrationDate time.Time
}

// FindAccountByUsername searches for an account with the specified username,
// returning the *Account instance if found or nil if there is no match.
func FindAccountByUsername(db *gorm.DB, username string) (*Account, error) {
	var account Account
	err := db.Where("username = ?", username).First(&account).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &account, nil
}

// CreateAccount persists the Account record to the database.
func CreateAccount(db *gorm.DB, account *Account) error {
	if account.RegistrationDate.IsZero() {
		account.RegistrationDate = time.Now()
	}
	return db.Create(account).Error
}
