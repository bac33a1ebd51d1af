package domain

import (
	"time"

	"github.com/weiawesome/wes-collab/pkg/database"
	"gorm.io/gorm"
)

// UserModel is the GORM model for users table.
type UserModel struct {
	ID        string    `gorm:"type:varchar(36);primaryKey"`
	Username  string    `gorm:"type:varchar(50);uniqueIndex;not null"`
	Email     string    `gorm:"type:varchar(255);uniqueIndex;not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (UserModel) TableName() string {
	return "users"
}

func (m *UserModel) ToDomain() *User {
	return &User{
		ID:        m.ID,
		Username:  m.Username,
		Email:     m.Email,
		CreatedAt: m.CreatedAt,
	}
}

// DocumentModel is the GORM model for documents table.
type DocumentModel struct {
	ID        string               `gorm:"type:varchar(36);primaryKey"`
	OwnerID   string               `gorm:"type:varchar(36);index;not null"`
	Title     string               `gorm:"type:varchar(200);not null"`
	Content   string               `gorm:"type:text"`
	Tags      database.StringArray `gorm:"type:text"`
	Version   int64                `gorm:"not null;default:1"`
	UpdatedBy string               `gorm:"type:varchar(36)"`
	CreatedAt time.Time            `gorm:"autoCreateTime"`
	UpdatedAt time.Time            `gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt       `gorm:"index"`
}

func (DocumentModel) TableName() string {
	return "documents"
}

func (m *DocumentModel) ToDomain() *Document {
	return &Document{
		ID:        m.ID,
		OwnerID:   m.OwnerID,
		Title:     m.Title,
		Content:   m.Content,
		Tags:      []string(m.Tags),
		Version:   m.Version,
		UpdatedBy: m.UpdatedBy,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func DocumentToModel(d *Document) *DocumentModel {
	return &DocumentModel{
		ID:        d.ID,
		OwnerID:   d.OwnerID,
		Title:     d.Title,
		Content:   d.Content,
		Tags:      database.StringArray(d.Tags),
		Version:   d.Version,
		UpdatedBy: d.UpdatedBy,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

// DocumentPermissionModel grants one user a level on one document.
type DocumentPermissionModel struct {
	DocumentID string    `gorm:"type:varchar(36);primaryKey"`
	UserID     string    `gorm:"type:varchar(36);primaryKey;index"`
	Level      string    `gorm:"type:varchar(10);not null"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}

func (DocumentPermissionModel) TableName() string {
	return "document_permissions"
}
