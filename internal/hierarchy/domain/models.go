package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Role is a user's tier in the affiliate hierarchy.
type Role string

const (
	RoleOwner    Role = "owner"
	RoleOperator Role = "operator"
	RolePlatinum Role = "platinum"
	RoleGolden   Role = "golden"
	RolePlayer   Role = "player"
)

var (
	ErrUnknownRole  = errors.New("unknown_role")
	ErrUserNotFound = errors.New("user_not_found")
)

// ParseRole accepts the stored role names, "superadmin" for the owner and
// the "-partner" suffixed forms used by the back office.
func ParseRole(raw string) (Role, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	value = strings.NewReplacer("_", "", "-", "", " ", "").Replace(value)
	value = strings.TrimSuffix(value, "partner")
	switch value {
	case "owner", "superadmin":
		return RoleOwner, nil
	case "operator":
		return RoleOperator, nil
	case "platinum":
		return RolePlatinum, nil
	case "golden", "gold":
		return RoleGolden, nil
	case "player":
		return RolePlayer, nil
	}
	return "", ErrUnknownRole
}

// Level is the distance from the owner: owner 0 through player 4.
func (r Role) Level() int {
	switch r {
	case RoleOwner:
		return 0
	case RoleOperator:
		return 1
	case RolePlatinum:
		return 2
	case RoleGolden:
		return 3
	case RolePlayer:
		return 4
	}
	return -1
}

// ParentRole is the tier directly above r that earns commission from it.
func (r Role) ParentRole() Role {
	switch r {
	case RoleOperator:
		return RoleOwner
	case RolePlatinum:
		return RoleOperator
	case RoleGolden:
		return RolePlatinum
	case RolePlayer:
		return RoleGolden
	}
	return ""
}

func (r Role) Valid() bool { return r.Level() >= 0 }

type User struct {
	ID        snowflake.ID  `gorm:"primaryKey"`
	Name      string        `gorm:"type:text;not null"`
	Role      Role          `gorm:"type:text;not null;index"`
	ParentID  *snowflake.ID `gorm:"index"`
	CreatedAt time.Time     `gorm:"not null"`
	UpdatedAt time.Time     `gorm:"not null"`
}

func (User) TableName() string { return "users" }

// Repository is the read-only hierarchy store.
type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*User, error)
	FindChildren(ctx context.Context, db *gorm.DB, parentID snowflake.ID, role Role) ([]User, error)
	ListByRole(ctx context.Context, db *gorm.DB, role Role) ([]User, error)
	ListAll(ctx context.Context, db *gorm.DB) ([]User, error)
}

// Service answers hierarchy questions from a cached adjacency snapshot.
type Service interface {
	Tree(ctx context.Context) (*Tree, error)
	FindByID(ctx context.Context, id snowflake.ID) (*User, error)
	FindChildren(ctx context.Context, parentID snowflake.ID, role Role) ([]User, error)
	Invalidate()
}
