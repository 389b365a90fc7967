package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	hierarchydomain "github.com/smallbiznis/partnerpay/internal/hierarchy/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() hierarchydomain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*hierarchydomain.User, error) {
	var user hierarchydomain.User
	err := db.WithContext(ctx).Raw(
		`SELECT id, name, role, parent_id, created_at, updated_at
		 FROM users WHERE id = ?`,
		id,
	).Scan(&user).Error
	if err != nil {
		return nil, err
	}
	if user.ID == 0 {
		return nil, nil
	}
	return &user, nil
}

func (r *repo) FindChildren(ctx context.Context, db *gorm.DB, parentID snowflake.ID, role hierarchydomain.Role) ([]hierarchydomain.User, error) {
	var users []hierarchydomain.User
	stmt := db.WithContext(ctx).Model(&hierarchydomain.User{}).Where("parent_id = ?", parentID)
	if role != "" {
		stmt = stmt.Where("role = ?", role)
	}
	if err := stmt.Order("id").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

func (r *repo) ListByRole(ctx context.Context, db *gorm.DB, role hierarchydomain.Role) ([]hierarchydomain.User, error) {
	var users []hierarchydomain.User
	err := db.WithContext(ctx).Raw(
		`SELECT id, name, role, parent_id, created_at, updated_at
		 FROM users WHERE role = ? ORDER BY id`,
		role,
	).Scan(&users).Error
	if err != nil {
		return nil, err
	}
	return users, nil
}

func (r *repo) ListAll(ctx context.Context, db *gorm.DB) ([]hierarchydomain.User, error) {
	var users []hierarchydomain.User
	err := db.WithContext(ctx).Raw(
		`SELECT id, name, role, parent_id, created_at, updated_at
		 FROM users ORDER BY id`,
	).Scan(&users).Error
	if err != nil {
		return nil, err
	}
	return users, nil
}
