// Package users holds user accounts and the profile lookup used to label
// senders in a shared session.
package users

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/suPer8Hu/ai-relay/internal/identity"
	"gorm.io/gorm"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrEmailTaken   = errors.New("email already registered")
)

type User struct {
	ID              string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	Email           string    `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	Name            string    `gorm:"type:varchar(100);not null" json:"name"`
	Avatar          string    `gorm:"type:varchar(255)" json:"avatar"`
	PasswordHash    string    `gorm:"type:varchar(255);not null" json:"-"`
	TotalTokensUsed int64     `gorm:"not null;default:0" json:"totalTokensUsed"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func (User) TableName() string { return "users" }

type Profile struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Avatar  string `json:"avatar"`
	IsGuest bool   `json:"isGuest"`
}

// Directory resolves display profiles.
type Directory interface {
	Profile(ctx context.Context, id identity.Identity) (Profile, error)
}

func GuestProfile(guestID string) Profile {
	return Profile{ID: guestID, Name: "Guest User", Avatar: "GU", IsGuest: true}
}

// Initials returns up to two upper-case initials of name.
func Initials(name string) string {
	var out []rune
	for _, f := range strings.Fields(name) {
		r := []rune(f)[0]
		out = append(out, unicode.ToUpper(r))
		if len(out) == 2 {
			break
		}
	}
	return string(out)
}

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) Create(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	if u.Avatar == "" {
		u.Avatar = Initials(u.Name)
	}
	var n int64
	if err := r.db.WithContext(ctx).Model(&User{}).Where("email = ?", u.Email).Count(&n).Error; err != nil {
		return err
	}
	if n > 0 {
		return ErrEmailTaken
	}
	return r.db.WithContext(ctx).Create(u).Error
}

func (r *Repo) Get(ctx context.Context, id string) (*User, error) {
	var u User
	err := r.db.WithContext(ctx).First(&u, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *Repo) ByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := r.db.WithContext(ctx).
		Where("email = ?", strings.ToLower(strings.TrimSpace(email))).
		First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *Repo) Profile(ctx context.Context, id identity.Identity) (Profile, error) {
	if !id.Authenticated() {
		return GuestProfile(id.ID()), nil
	}
	u, err := r.Get(ctx, id.ID())
	if err != nil {
		return Profile{ID: id.ID(), Name: id.ID(), Avatar: Initials(id.ID())}, err
	}
	return Profile{ID: u.ID, Name: u.Name, Email: u.Email, Avatar: u.Avatar}, nil
}

// StaticDirectory labels users by their id. It serves deployments
// without a user database.
type StaticDirectory struct{}

func (StaticDirectory) Profile(_ context.Context, id identity.Identity) (Profile, error) {
	if !id.Authenticated() {
		return GuestProfile(id.ID()), nil
	}
	return Profile{ID: id.ID(), Name: id.ID(), Avatar: Initials(id.ID())}, nil
}
