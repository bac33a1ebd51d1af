package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/weiawesome/wes-collab/internal/domain"
	"github.com/weiawesome/wes-collab/pkg/database"
	"github.com/weiawesome/wes-collab/pkg/log"
)

// GormDocumentRepository implements DocumentRepository using GORM.
type GormDocumentRepository struct {
	db *gorm.DB
}

func NewGormDocumentRepository(db *gorm.DB) *GormDocumentRepository {
	return &GormDocumentRepository{db: db}
}

// Create stores the document and grants its owner the owner level.
func (r *GormDocumentRepository) Create(ctx context.Context, doc *domain.Document) error {
	l := log.Ctx(ctx)

	doc.ID = uuid.New().String()
	doc.Version = 1
	doc.UpdatedBy = doc.OwnerID
	model := domain.DocumentToModel(doc)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(model).Error; err != nil {
			return err
		}
		return tx.Create(&domain.DocumentPermissionModel{
			DocumentID: doc.ID,
			UserID:     doc.OwnerID,
			Level:      string(domain.PermissionOwner),
		}).Error
	})
	if err != nil {
		l.Error().Err(err).Msg("failed to create document in db")
		return err
	}

	doc.CreatedAt = model.CreatedAt
	doc.UpdatedAt = model.UpdatedAt
	doc.Permission = domain.PermissionOwner
	l.Debug().Str(log.FieldDocumentID, doc.ID).Msg("document created in db")
	return nil
}

func (r *GormDocumentRepository) GetByID(ctx context.Context, id string) (*domain.Document, error) {
	var model domain.DocumentModel
	result := r.db.WithContext(ctx).First(&model, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrDocumentNotFound
		}
		l := log.Ctx(ctx)
		l.Error().Err(result.Error).Str(log.FieldDocumentID, id).Msg("failed to get document by id")
		return nil, result.Error
	}
	return model.ToDomain(), nil
}

// ListForUser returns every document the user holds any level on, most
// recently updated first.
func (r *GormDocumentRepository) ListForUser(ctx context.Context, userID string) ([]domain.Document, error) {
	l := log.Ctx(ctx)

	var perms []domain.DocumentPermissionModel
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Find(&perms).Error; err != nil {
		l.Error().Err(err).Str(log.FieldUserID, userID).Msg("failed to list permissions")
		return nil, err
	}
	if len(perms) == 0 {
		return []domain.Document{}, nil
	}

	levels := make(map[string]domain.Permission, len(perms))
	ids := make([]string, 0, len(perms))
	for _, p := range perms {
		levels[p.DocumentID] = domain.Permission(p.Level)
		ids = append(ids, p.DocumentID)
	}

	var models []domain.DocumentModel
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Order("updated_at DESC").Find(&models).Error; err != nil {
		l.Error().Err(err).Str(log.FieldUserID, userID).Msg("failed to list documents from db")
		return nil, err
	}

	docs := make([]domain.Document, len(models))
	for i, model := range models {
		docs[i] = *model.ToDomain()
		docs[i].Permission = levels[model.ID]
	}
	return docs, nil
}

// Update applies the non-nil fields and bumps the version.
func (r *GormDocumentRepository) Update(ctx context.Context, id string, update DocumentUpdate) (*domain.Document, error) {
	l := log.Ctx(ctx)

	changes := map[string]interface{}{
		"version":    gorm.Expr("version + 1"),
		"updated_by": update.UpdatedBy,
	}
	if update.Title != nil {
		changes["title"] = *update.Title
	}
	if update.Content != nil {
		changes["content"] = *update.Content
	}
	if update.Tags != nil {
		changes["tags"] = database.StringArray(update.Tags)
	}

	result := r.db.WithContext(ctx).Model(&domain.DocumentModel{}).Where("id = ?", id).Updates(changes)
	if result.Error != nil {
		l.Error().Err(result.Error).Str(log.FieldDocumentID, id).Msg("failed to update document")
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrDocumentNotFound
	}
	return r.GetByID(ctx, id)
}

// Delete soft-deletes the document and drops its permission records.
func (r *GormDocumentRepository) Delete(ctx context.Context, id string) error {
	l := log.Ctx(ctx)

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ?", id).Delete(&domain.DocumentModel{})
		if result.Error != nil {
			l.Error().Err(result.Error).Str(log.FieldDocumentID, id).Msg("failed to delete document")
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrDocumentNotFound
		}
		return tx.Where("document_id = ?", id).Delete(&domain.DocumentPermissionModel{}).Error
	})
}

// GetPermission returns the user's level, PermissionNone when they hold
// none, or ErrDocumentNotFound.
func (r *GormDocumentRepository) GetPermission(ctx context.Context, userID, documentID string) (domain.Permission, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.DocumentModel{}).Where("id = ?", documentID).Count(&count).Error; err != nil {
		return domain.PermissionNone, err
	}
	if count == 0 {
		return domain.PermissionNone, ErrDocumentNotFound
	}

	var perm domain.DocumentPermissionModel
	result := r.db.WithContext(ctx).First(&perm, "document_id = ? AND user_id = ?", documentID, userID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return domain.PermissionNone, nil
		}
		return domain.PermissionNone, result.Error
	}
	return domain.Permission(perm.Level), nil
}

// SetPermission grants or replaces a level. PermissionNone revokes.
func (r *GormDocumentRepository) SetPermission(ctx context.Context, documentID, userID string, level domain.Permission) error {
	if _, err := r.GetByID(ctx, documentID); err != nil {
		return err
	}

	db := r.db.WithContext(ctx)
	if level == domain.PermissionNone {
		return db.Where("document_id = ? AND user_id = ?", documentID, userID).
			Delete(&domain.DocumentPermissionModel{}).Error
	}

	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "document_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"level", "updated_at"}),
	}).Create(&domain.DocumentPermissionModel{
		DocumentID: documentID,
		UserID:     userID,
		Level:      string(level),
	}).Error
}
