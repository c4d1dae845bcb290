package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/idp-studio/engine/internal/models"
	appErr "github.com/idp-studio/engine/pkg/errors"
	"gorm.io/gorm"
)

type UserRepository interface {
	BaseRepository[models.User]
	GetByEmail(ctx context.Context, email string, dest *models.User) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
	UpdateFields(ctx context.Context, id uuid.UUID, fields map[string]any) error
	List(ctx context.Context, offset, limit int) ([]models.User, error)
}

type userRepository struct {
	BaseRepository[models.User]
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{BaseRepository: NewBaseRepository[models.User](db), db: db}
}

func (r *userRepository) GetByEmail(ctx context.Context, email string, dest *models.User) error {
	if err := r.db.WithContext(ctx).Where("email = ?", email).First(dest).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return appErr.New(appErr.CodeNotFound, "user not found")
		}
		return appErr.Wrap(err, appErr.CodeInternal, "get user by email failed")
	}
	return nil
}

func (r *userRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	return r.UpdateFields(ctx, id, map[string]any{"status": status})
}

func (r *userRepository) UpdateFields(ctx context.Context, id uuid.UUID, fields map[string]any) error {
	res := r.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "update user failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "user not found")
	}
	return nil
}

func (r *userRepository) List(ctx context.Context, offset, limit int) ([]models.User, error) {
	var out []models.User
	if err := r.db.WithContext(ctx).Order("created_at DESC").Offset(offset).Limit(limit).Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list users failed")
	}
	return out, nil
}
