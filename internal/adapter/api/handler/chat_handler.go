package handler

import (
	"context"

	"github.com/labstack/echo/v4"

	"marketchat/internal/adapter/api/middleware"
	"marketchat/internal/infrastructure/storage"
	"marketchat/internal/usecase"
	"marketchat/pkg/errors"
	"marketchat/pkg/response"
	"marketchat/pkg/utils"
)

// UploadURLIssuer hands out signed upload URLs for attachments.
type UploadURLIssuer interface {
	GenerateSignedUploadURL(ctx context.Context, roomID, contentType string) (*storage.UploadTicket, error)
}

type ChatHandler struct {
	chatUseCase *usecase.ChatUseCase
	uploads     UploadURLIssuer
}

func NewChatHandler(chatUseCase *usecase.ChatUseCase, uploads UploadURLIssuer) *ChatHandler {
	return &ChatHandler{
		chatUseCase: chatUseCase,
		uploads:     uploads,
	}
}

type createChatRequest struct {
	RecipientID string `json:"recipient_id" validate:"required"`
}

type uploadRequest struct {
	ContentType string `json:"content_type" validate:"required,max=128"`
}

// CreateChat returns the room with the recipient, opening it on first contact.
func (h *ChatHandler) CreateChat(c echo.Context) error {
	var req createChatRequest
	if err := c.Bind(&req); err != nil {
		return response.Error(c, errors.BadRequest("Invalid request body", err))
	}

	if err := c.Validate(&req); err != nil {
		return response.Error(c, err)
	}

	identity, _ := middleware.IdentityFrom(c)

	chat, created, err := h.chatUseCase.EnsureRoom(c.Request().Context(), identity, req.RecipientID)
	if err != nil {
		return response.Error(c, err)
	}

	if created {
		return response.Created(c, chat)
	}
	return response.Success(c, chat)
}

// GetUserChats lists the caller's rooms, most recently active first.
func (h *ChatHandler) GetUserChats(c echo.Context) error {
	identity, _ := middleware.IdentityFrom(c)
	p := utils.GetPaginationParams(c)

	chats, total, err := h.chatUseCase.GetUserChats(c.Request().Context(), identity, p.PageSize, p.Offset)
	if err != nil {
		return response.Error(c, err)
	}

	return response.Paginated(c, chats, total, p.Page, p.PageSize)
}

func (h *ChatHandler) GetChatByID(c echo.Context) error {
	identity, _ := middleware.IdentityFrom(c)

	chat, err := h.chatUseCase.GetChatByID(c.Request().Context(), identity, c.Param("id"))
	if err != nil {
		return response.Error(c, err)
	}

	return response.Success(c, chat)
}

// GetChatMessages returns room history, newest first.
func (h *ChatHandler) GetChatMessages(c echo.Context) error {
	identity, _ := middleware.IdentityFrom(c)
	p := utils.GetPaginationParams(c)

	messages, total, err := h.chatUseCase.GetChatMessages(c.Request().Context(), identity, c.Param("id"), p.PageSize, p.Offset)
	if err != nil {
		return response.Error(c, err)
	}

	return response.Paginated(c, messages, total, p.Page, p.PageSize)
}

func (h *ChatHandler) MarkChatAsRead(c echo.Context) error {
	identity, _ := middleware.IdentityFrom(c)

	count, err := h.chatUseCase.MarkChatAsRead(c.Request().Context(), identity, c.Param("id"))
	if err != nil {
		return response.Error(c, err)
	}

	return response.Success(c, map[string]int{"count": count})
}

func (h *ChatHandler) CloseChat(c echo.Context) error {
	identity, _ := middleware.IdentityFrom(c)

	chat, err := h.chatUseCase.CloseChat(c.Request().Context(), identity, c.Param("id"))
	if err != nil {
		return response.Error(c, err)
	}

	return response.Success(c, chat)
}

func (h *ChatHandler) EscalateChat(c echo.Context) error {
	identity, _ := middleware.IdentityFrom(c)

	chat, err := h.chatUseCase.EscalateChat(c.Request().Context(), identity, c.Param("id"))
	if err != nil {
		return response.Error(c, err)
	}

	return response.Success(c, chat)
}

// CreateUploadURL issues a signed URL the client PUTs the attachment to before sending it.
func (h *ChatHandler) CreateUploadURL(c echo.Context) error {
	if h.uploads == nil {
		return response.Error(c, errors.BadRequest("Attachment uploads are not configured", nil))
	}

	var req uploadRequest
	if err := c.Bind(&req); err != nil {
		return response.Error(c, errors.BadRequest("Invalid request body", err))
	}
	if err := c.Validate(&req); err != nil {
		return response.Error(c, err)
	}

	identity, _ := middleware.IdentityFrom(c)
	roomID := c.Param("id")
	if _, err := h.chatUseCase.GetChatByID(c.Request().Context(), identity, roomID); err != nil {
		return response.Error(c, err)
	}

	ticket, err := h.uploads.GenerateSignedUploadURL(c.Request().Context(), roomID, req.ContentType)
	if err != nil {
		return response.Error(c, err)
	}

	return response.Created(c, ticket)
}
