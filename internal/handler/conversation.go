package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"crm_messenger/internal/domain"
	"crm_messenger/internal/service"
	"crm_messenger/internal/ws"
	pkgerrors "crm_messenger/pkg/errors"
	"crm_messenger/pkg/logger"
)

type ConversationHandler struct {
	conversationService service.ConversationService
	readTracker         service.ReadTrackerService
	registry            *ws.Registry
	log                 logger.Logger
}

func NewConversationHandler(
	conversationService service.ConversationService,
	readTracker service.ReadTrackerService,
	registry *ws.Registry,
	log logger.Logger,
) *ConversationHandler {
	return &ConversationHandler{
		conversationService: conversationService,
		readTracker:         readTracker,
		registry:            registry,
		log:                 log,
	}
}

type CreateConversationRequest struct {
	Type      string      `json:"type" binding:"required"`
	PeerID    *uuid.UUID  `json:"peer_id,omitempty"`
	Title     string      `json:"title,omitempty"`
	MemberIDs []uuid.UUID `json:"member_ids,omitempty"`
}

// Create заводит беседу. Для direct вызов идемпотентен: существующий диалог
// возвращается с кодом 200, только что созданный - с 201.
func (h *ConversationHandler) Create(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	var req CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, pkgerrors.APIError{
			Message:  err.Error(),
			Category: pkgerrors.CategoryValidation,
		})
		return
	}

	switch req.Type {
	case domain.ConversationTypeDirect:
		if req.PeerID == nil {
			c.JSON(http.StatusBadRequest, pkgerrors.APIError{
				Message:  "peer_id is required for a direct conversation",
				Category: pkgerrors.CategoryValidation,
			})
			return
		}

		conversation, created, err := h.conversationService.FindOrCreateDirect(c.Request.Context(), user, *req.PeerID)
		if err != nil {
			respondError(c, h.log, err)
			return
		}

		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		c.JSON(status, conversation)

	case domain.ConversationTypeGroup:
		conversation, err := h.conversationService.CreateGroup(c.Request.Context(), user, req.Title, req.MemberIDs)
		if err != nil {
			respondError(c, h.log, err)
			return
		}

		c.JSON(http.StatusCreated, conversation)

	default:
		c.JSON(http.StatusBadRequest, pkgerrors.APIError{
			Message:  "type must be direct or group",
			Category: pkgerrors.CategoryValidation,
		})
	}
}

// ConversationListItem - строка списка бесед: сама беседа плюс счётчик
// непрочитанного для вызывающего
type ConversationListItem struct {
	*domain.Conversation
	UnreadCount int `json:"unread_count"`
}

func (h *ConversationHandler) List(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "50"))

	conversations, err := h.conversationService.List(c.Request.Context(), user.ID, c.Query("type"), c.Query("search"), page, pageSize)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	unread, err := h.readTracker.UnreadCounts(c.Request.Context(), user.ID)
	if err != nil {
		// Список ценнее счётчиков: отдаём беседы с нулями
		h.log.Error("Failed to load unread counts", "user_id", user.ID, "error", err)
		unread = nil
	}

	items := make([]ConversationListItem, 0, len(conversations))
	for _, conversation := range conversations {
		items = append(items, ConversationListItem{
			Conversation: conversation,
			UnreadCount:  unread[conversation.ID],
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"conversations": items,
		"page":          page,
		"page_size":     pageSize,
	})
}

func (h *ConversationHandler) GetByID(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, pkgerrors.APIError{
			Message:  "invalid conversation ID",
			Category: pkgerrors.CategoryValidation,
		})
		return
	}

	conversation, err := h.conversationService.GetByID(c.Request.Context(), conversationID, user.ID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, conversation)
}

// MemberView - участник беседы вместе с его текущим присутствием
type MemberView struct {
	*domain.ConversationMember
	Presence *domain.Presence `json:"presence"`
}

func (h *ConversationHandler) GetMembers(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, pkgerrors.APIError{
			Message:  "invalid conversation ID",
			Category: pkgerrors.CategoryValidation,
		})
		return
	}

	members, err := h.conversationService.GetMembers(c.Request.Context(), conversationID, user.ID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	views := make([]MemberView, 0, len(members))
	for _, member := range members {
		views = append(views, MemberView{
			ConversationMember: member,
			Presence:           h.registry.Presence(member.UserID),
		})
	}

	c.JSON(http.StatusOK, gin.H{"members": views})
}

type AddMemberRequest struct {
	UserID uuid.UUID `json:"user_id" binding:"required"`
}

func (h *ConversationHandler) AddMember(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, pkgerrors.APIError{
			Message:  "invalid conversation ID",
			Category: pkgerrors.CategoryValidation,
		})
		return
	}

	var req AddMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, pkgerrors.APIError{
			Message:  err.Error(),
			Category: pkgerrors.CategoryValidation,
		})
		return
	}

	if err := h.conversationService.AddMember(c.Request.Context(), conversationID, user, req.UserID); err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "member added"})
}

func (h *ConversationHandler) RemoveMember(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, pkgerrors.APIError{
			Message:  "invalid conversation ID",
			Category: pkgerrors.CategoryValidation,
		})
		return
	}

	targetID, err := uuid.Parse(c.Param("userId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, pkgerrors.APIError{
			Message:  "invalid user ID",
			Category: pkgerrors.CategoryValidation,
		})
		return
	}

	if err := h.conversationService.RemoveMember(c.Request.Context(), conversationID, user, targetID); err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "member removed"})
}

func (h *ConversationHandler) Deactivate(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, pkgerrors.APIError{
			Message:  "invalid conversation ID",
			Category: pkgerrors.CategoryValidation,
		})
		return
	}

	if err := h.conversationService.Deactivate(c.Request.Context(), conversationID, user); err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "conversation closed"})
}
