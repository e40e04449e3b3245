package user

import (
	"errors"
	"strings"
	"time"
)

type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

var (
	ErrInvalidRole        = errors.New("invalid role")
	ErrInvalidProficiency = errors.New("invalid proficiency level")
)

// ParseRole accepts "user", "admin" or "" (user).
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case "", RoleUser:
		return RoleUser, nil
	case RoleAdmin:
		return RoleAdmin, nil
	}
	return "", ErrInvalidRole
}

// User is a contributor account. LanguageID and Proficiency seed the
// subject of new work sessions.
type User struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Username     string    `gorm:"uniqueIndex;size:32;not null" json:"username"`
	PasswordHash string    `gorm:"size:128;not null" json:"-"`
	Role         Role      `gorm:"type:varchar(10);not null;default:'user'" json:"role"`
	LanguageID   string    `gorm:"size:32" json:"languageId,omitempty"`
	Proficiency  int       `gorm:"not null;default:0" json:"proficiencyLevel"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (u User) IsAdmin() bool { return u.Role == RoleAdmin }

// SetProfile updates whichever profile fields are non-nil. Nothing changes
// when proficiency is negative.
func (u *User) SetProfile(languageID *string, proficiency *int) error {
	if proficiency != nil && *proficiency < 0 {
		return ErrInvalidProficiency
	}
	if languageID != nil {
		u.LanguageID = strings.TrimSpace(*languageID)
	}
	if proficiency != nil {
		u.Proficiency = *proficiency
	}
	return nil
}

// SetPassword replaces the stored hash with one for pw.
func (u *User) SetPassword(pw string) error {
	hash, err := HashPassword(pw)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	return nil
}
