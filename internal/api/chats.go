package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/kimhsiao/novachat/backend/internal/errors"
	"github.com/kimhsiao/novachat/backend/internal/models"
	"github.com/kimhsiao/novachat/backend/internal/sync/scheduler"
)

// Writer is the local write path used by the chat endpoints.
// *db.Repository implements it.
type Writer interface {
	GetConversation(ctx context.Context, id models.UUID) (*models.Conversation, error)
	GetMessage(ctx context.Context, id models.UUID) (*models.Message, error)
	CreateConversation(ctx context.Context, ownerID, title string, now time.Time) (*models.Conversation, error)
	RenameConversation(ctx context.Context, id models.UUID, title string, now time.Time) error
	DeleteConversationLocal(ctx context.Context, id models.UUID, now time.Time) error
	AppendMessage(ctx context.Context, m *models.Message, now time.Time) error
	DeleteMessageLocal(ctx context.Context, id models.UUID, by models.DeletedBy, now time.Time) error
}

// SetWriter enables the chat endpoints. Every accepted write requests an
// active sync for its tenant.
func (h *Handler) SetWriter(w Writer) {
	h.writer = w
}

// ConversationRequest is the body of conversation create and rename.
type ConversationRequest struct {
	Title string `json:"title"`
}

// MessageRequest is the body of POST .../messages. Attachments turn the
// body into structured content.
type MessageRequest struct {
	Role        models.Role         `json:"role"`
	Text        string              `json:"text"`
	Type        string              `json:"type,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
}

// MessageResponse is a message as returned by the chat endpoints.
type MessageResponse struct {
	*models.Message
	Kind        models.ContentKind  `json:"kind"`
	Text        string              `json:"text"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
}

func messageResponse(m *models.Message) MessageResponse {
	resp := MessageResponse{Message: m, Text: m.Text()}
	if m.Content != nil {
		resp.Kind = m.Content.Kind()
		resp.Attachments = m.Content.Attachments()
	}
	return resp
}

func (h *Handler) chatTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	if h.writer == nil {
		h.Error(w, http.StatusNotImplemented, apperrors.ErrNotFound, "local writes are not enabled")
		return "", false
	}
	return h.tenant(w, r)
}

// ownConversation loads the conversation in the URL, hiding other tenants' rows.
func (h *Handler) ownConversation(w http.ResponseWriter, r *http.Request, tenant string) (*models.Conversation, bool) {
	id := models.UUID(chi.URLParam(r, "id"))
	c, err := h.writer.GetConversation(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return nil, false
	}
	if c == nil || c.OwnerID != tenant {
		h.Error(w, http.StatusNotFound, apperrors.ErrNotFound, "conversation not found")
		return nil, false
	}
	return c, true
}

func (h *Handler) wrote(tenant string) {
	h.syncer.RequestSync(tenant, scheduler.Options{IsActive: true, Reason: "local_write"})
}

func decodeBody(w http.ResponseWriter, r *http.Request, h *Handler, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.Error(w, http.StatusBadRequest, apperrors.ErrValidation, "invalid request body")
		return false
	}
	return true
}

// CreateConversation handles POST /api/tenants/{tenant}/conversations.
func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.chatTenant(w, r)
	if !ok {
		return
	}
	var req ConversationRequest
	if !decodeBody(w, r, h, &req) {
		return
	}
	c, err := h.writer.CreateConversation(r.Context(), tenant, req.Title, h.now())
	if err != nil {
		h.fail(w, err)
		return
	}
	h.wrote(tenant)
	h.JSON(w, http.StatusCreated, c)
}

// GetConversation handles GET /api/tenants/{tenant}/conversations/{id}.
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.chatTenant(w, r)
	if !ok {
		return
	}
	c, ok := h.ownConversation(w, r, tenant)
	if !ok {
		return
	}
	h.JSON(w, http.StatusOK, c)
}

// RenameConversation handles PATCH /api/tenants/{tenant}/conversations/{id}.
func (h *Handler) RenameConversation(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.chatTenant(w, r)
	if !ok {
		return
	}
	var req ConversationRequest
	if !decodeBody(w, r, h, &req) {
		return
	}
	c, ok := h.ownConversation(w, r, tenant)
	if !ok {
		return
	}
	if err := h.writer.RenameConversation(r.Context(), c.ID, req.Title, h.now()); err != nil {
		h.fail(w, err)
		return
	}
	h.wrote(tenant)
	w.WriteHeader(http.StatusNoContent)
}

// DeleteConversation handles DELETE /api/tenants/{tenant}/conversations/{id}.
func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.chatTenant(w, r)
	if !ok {
		return
	}
	c, ok := h.ownConversation(w, r, tenant)
	if !ok {
		return
	}
	if err := h.writer.DeleteConversationLocal(r.Context(), c.ID, h.now()); err != nil {
		h.fail(w, err)
		return
	}
	h.wrote(tenant)
	w.WriteHeader(http.StatusNoContent)
}

// AppendMessage handles POST /api/tenants/{tenant}/conversations/{id}/messages.
func (h *Handler) AppendMessage(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.chatTenant(w, r)
	if !ok {
		return
	}
	var req MessageRequest
	if !decodeBody(w, r, h, &req) {
		return
	}
	c, ok := h.ownConversation(w, r, tenant)
	if !ok {
		return
	}
	if req.Role == "" {
		req.Role = models.RoleUser
	}

	var content models.Content = models.TextContent(req.Text)
	if req.Type != "" || len(req.Attachments) > 0 {
		kind := req.Type
		if kind == "" {
			kind = "text"
		}
		content = models.StructuredContent{Type: kind, Text: req.Text, Files: req.Attachments}
	}
	m := &models.Message{ConversationID: c.ID, OwnerID: tenant, Role: req.Role, Content: content}
	if err := h.writer.AppendMessage(r.Context(), m, h.now()); err != nil {
		h.fail(w, err)
		return
	}
	h.wrote(tenant)
	h.JSON(w, http.StatusCreated, messageResponse(m))
}

// DeleteMessage handles DELETE /api/tenants/{tenant}/messages/{id}.
// ?scope=self hides the message for its author only.
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.chatTenant(w, r)
	if !ok {
		return
	}
	by := models.DeletedByEveryone
	if scope := strings.TrimSpace(r.URL.Query().Get("scope")); scope != "" {
		by = models.DeletedBy(scope)
	}

	m, err := h.writer.GetMessage(r.Context(), models.UUID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, err)
		return
	}
	if m == nil || m.OwnerID != tenant {
		h.Error(w, http.StatusNotFound, apperrors.ErrNotFound, "message not found")
		return
	}
	if err := h.writer.DeleteMessageLocal(r.Context(), m.ID, by, h.now()); err != nil {
		h.fail(w, err)
		return
	}
	h.wrote(tenant)
	w.WriteHeader(http.StatusNoContent)
}
