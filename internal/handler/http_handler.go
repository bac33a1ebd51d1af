package handler

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/wes-collab/internal/domain"
	"github.com/weiawesome/wes-collab/internal/service"
	"github.com/weiawesome/wes-collab/pkg/log"
	"github.com/weiawesome/wes-collab/pkg/middleware"
	"github.com/weiawesome/wes-collab/pkg/response"
)

// Handler serves the document API.
type Handler struct {
	documentService service.DocumentService
	authMiddleware  *middleware.AuthMiddleware
}

func NewHandler(documentService service.DocumentService, authMiddleware *middleware.AuthMiddleware) *Handler {
	return &Handler{
		documentService: documentService,
		authMiddleware:  authMiddleware,
	}
}

// RegisterRoutes registers all routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		documents := api.Group("/documents", h.authMiddleware.RequireAuth())
		{
			documents.GET("", h.ListDocuments)
			documents.POST("", h.CreateDocument)
			documents.GET("/:id", h.GetDocument)
			documents.PUT("/:id", h.UpdateDocument)
			documents.DELETE("/:id", h.DeleteDocument)
			documents.PUT("/:id/permissions", h.ShareDocument)
		}
	}
}

// ListDocuments lists documents the caller can open.
func (h *Handler) ListDocuments(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	result, err := h.documentService.List(ctx, middleware.GetUserID(c))
	if err != nil {
		l.Error().Err(err).Msg("failed to list documents")
		response.InternalError(c, "failed to list documents")
		return
	}

	response.Success(c, result)
}

func (h *Handler) CreateDocument(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	var req domain.CreateDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		l.Warn().Err(err).Msg("failed to bind create document request")
		response.BadRequest(c, err.Error())
		return
	}

	doc, err := h.documentService.Create(ctx, middleware.GetUserID(c), &req)
	if err != nil {
		l.Error().Err(err).Msg("failed to create document")
		response.InternalError(c, "failed to create document")
		return
	}

	response.Created(c, doc)
}

func (h *Handler) GetDocument(c *gin.Context) {
	ctx := c.Request.Context()
	documentID := c.Param("id")

	doc, err := h.documentService.Get(ctx, middleware.GetUserID(c), documentID)
	if err != nil {
		h.writeError(c, err, documentID, "failed to get document")
		return
	}

	response.Success(c, doc)
}

func (h *Handler) UpdateDocument(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)
	documentID := c.Param("id")

	var req domain.UpdateDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		l.Warn().Err(err).Msg("failed to bind update document request")
		response.BadRequest(c, err.Error())
		return
	}

	doc, err := h.documentService.Update(ctx, middleware.GetUserID(c), documentID, &req)
	if err != nil {
		h.writeError(c, err, documentID, "failed to update document")
		return
	}

	response.Success(c, doc)
}

func (h *Handler) DeleteDocument(c *gin.Context) {
	ctx := c.Request.Context()
	documentID := c.Param("id")

	if err := h.documentService.Delete(ctx, middleware.GetUserID(c), documentID); err != nil {
		h.writeError(c, err, documentID, "failed to delete document")
		return
	}

	response.Success(c, gin.H{"id": documentID})
}

// ShareDocument grants, changes or revokes another user's level.
func (h *Handler) ShareDocument(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)
	documentID := c.Param("id")

	var req domain.SharePermissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		l.Warn().Err(err).Msg("failed to bind share request")
		response.BadRequest(c, err.Error())
		return
	}

	if err := h.documentService.Share(ctx, middleware.GetUserID(c), documentID, &req); err != nil {
		h.writeError(c, err, documentID, "failed to share document")
		return
	}

	response.Success(c, gin.H{"user_id": req.UserID, "permission": req.Permission})
}

func (h *Handler) writeError(c *gin.Context, err error, documentID, msg string) {
	switch {
	case errors.Is(err, service.ErrDocumentNotFound):
		response.NotFound(c, "document not found")
	case errors.Is(err, service.ErrForbidden):
		response.Forbidden(c, err.Error())
	case errors.Is(err, service.ErrInvalidRequest):
		response.BadRequest(c, err.Error())
	default:
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Str(log.FieldDocumentID, documentID).Msg(msg)
		response.InternalError(c, msg)
	}
}
