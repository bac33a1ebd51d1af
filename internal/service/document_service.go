package service

import (
	"context"
	"errors"

	"github.com/weiawesome/wes-collab/internal/audit"
	"github.com/weiawesome/wes-collab/internal/domain"
	"github.com/weiawesome/wes-collab/internal/repository"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrForbidden        = errors.New("you do not have access to this document")
	ErrInvalidRequest   = errors.New("invalid request")
)

type documentServiceImpl struct {
	docs   repository.DocumentRepository
	access *AccessService
}

func NewDocumentService(docs repository.DocumentRepository, access *AccessService) DocumentService {
	return &documentServiceImpl{docs: docs, access: access}
}

func (s *documentServiceImpl) List(ctx context.Context, userID string) (*domain.ListDocumentsResponse, error) {
	docs, err := s.docs.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &domain.ListDocumentsResponse{Documents: docs, Total: len(docs)}, nil
}

func (s *documentServiceImpl) Create(ctx context.Context, userID string, req *domain.CreateDocumentRequest) (*domain.Document, error) {
	doc := &domain.Document{
		OwnerID: userID,
		Title:   req.Title,
		Content: req.Content,
		Tags:    req.Tags,
	}
	if err := s.docs.Create(ctx, doc); err != nil {
		return nil, err
	}

	audit.Log(ctx, audit.ActionCreateDocument, userID, doc.ID, "document created")
	return doc, nil
}

func (s *documentServiceImpl) Get(ctx context.Context, userID, documentID string) (*domain.Document, error) {
	perm, err := s.require(ctx, userID, documentID, domain.PermissionRead)
	if err != nil {
		return nil, err
	}

	doc, err := s.docs.GetByID(ctx, documentID)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	doc.Permission = perm
	return doc, nil
}

func (s *documentServiceImpl) Update(ctx context.Context, userID, documentID string, req *domain.UpdateDocumentRequest) (*domain.Document, error) {
	if req.Title == nil && req.Content == nil && req.Tags == nil {
		return nil, ErrInvalidRequest
	}
	if req.Title != nil && *req.Title == "" {
		return nil, ErrInvalidRequest
	}

	perm, err := s.require(ctx, userID, documentID, domain.PermissionWrite)
	if err != nil {
		return nil, err
	}

	doc, err := s.docs.Update(ctx, documentID, repository.DocumentUpdate{
		Title:     req.Title,
		Content:   req.Content,
		Tags:      req.Tags,
		UpdatedBy: userID,
	})
	if err != nil {
		return nil, mapRepoErr(err)
	}
	doc.Permission = perm
	return doc, nil
}

func (s *documentServiceImpl) Delete(ctx context.Context, userID, documentID string) error {
	if _, err := s.require(ctx, userID, documentID, domain.PermissionOwner); err != nil {
		return err
	}

	if err := s.docs.Delete(ctx, documentID); err != nil {
		return mapRepoErr(err)
	}
	s.access.InvalidateDocument(ctx, documentID)

	audit.Log(ctx, audit.ActionDeleteDocument, userID, documentID, "document deleted")
	return nil
}

// Share grants, changes or (with an empty level) revokes another user's
// access. Owners cannot change their own level.
func (s *documentServiceImpl) Share(ctx context.Context, userID, documentID string, req *domain.SharePermissionRequest) error {
	level := domain.PermissionNone
	if req.Permission != "none" {
		var err error
		if level, err = domain.ParsePermission(req.Permission); err != nil {
			return ErrInvalidRequest
		}
	}
	if req.UserID == userID {
		return ErrInvalidRequest
	}

	if _, err := s.require(ctx, userID, documentID, domain.PermissionOwner); err != nil {
		return err
	}

	if err := s.docs.SetPermission(ctx, documentID, req.UserID, level); err != nil {
		return mapRepoErr(err)
	}
	s.access.InvalidatePermission(ctx, documentID, req.UserID)

	audit.LogWithDetail(ctx, audit.ActionShareDocument, userID, documentID, req.UserID+"="+req.Permission, "document shared")
	return nil
}

// require returns the user's level if it is at least min. Users with no
// level at all see the document as missing.
func (s *documentServiceImpl) require(ctx context.Context, userID, documentID string, min domain.Permission) (domain.Permission, error) {
	perm, err := s.access.Permission(ctx, userID, documentID)
	if err != nil {
		return domain.PermissionNone, mapRepoErr(err)
	}
	if perm == domain.PermissionNone {
		return domain.PermissionNone, ErrDocumentNotFound
	}
	if !perm.Allows(min) {
		return perm, ErrForbidden
	}
	return perm, nil
}

func mapRepoErr(err error) error {
	if errors.Is(err, repository.ErrDocumentNotFound) {
		return ErrDocumentNotFound
	}
	return err
}
