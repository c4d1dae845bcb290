package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/idp-studio/engine/internal/models"
	appErr "github.com/idp-studio/engine/pkg/errors"
	"gorm.io/gorm"
)

type OrganizationRepository interface {
	BaseRepository[models.Organization]
	GetByIdentifier(ctx context.Context, identifier string, dest *models.Organization) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
	UpdateFields(ctx context.Context, id uuid.UUID, fields map[string]any) error
	List(ctx context.Context, offset, limit int) ([]models.Organization, error)
}

type organizationRepository struct {
	BaseRepository[models.Organization]
	db *gorm.DB
}

func NewOrganizationRepository(db *gorm.DB) OrganizationRepository {
	return &organizationRepository{BaseRepository: NewBaseRepository[models.Organization](db), db: db}
}

func (r *organizationRepository) GetByIdentifier(ctx context.Context, identifier string, dest *models.Organization) error {
	if err := r.db.WithContext(ctx).Where("identifier = ?", identifier).First(dest).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return appErr.New(appErr.CodeNotFound, "organization not found")
		}
		return appErr.Wrap(err, appErr.CodeInternal, "get organization by identifier failed")
	}
	return nil
}

func (r *organizationRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	return r.UpdateFields(ctx, id, map[string]any{"status": status})
}

func (r *organizationRepository) UpdateFields(ctx context.Context, id uuid.UUID, fields map[string]any) error {
	res := r.db.WithContext(ctx).Model(&models.Organization{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "update organization failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "organization not found")
	}
	return nil
}

func (r *organizationRepository) List(ctx context.Context, offset, limit int) ([]models.Organization, error) {
	var out []models.Organization
	if err := r.db.WithContext(ctx).Order("created_at DESC").Offset(offset).Limit(limit).Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list organizations failed")
	}
	return out, nil
}
