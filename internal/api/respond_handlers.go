package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"ansr/internal/auth"
	"ansr/internal/models"
	"ansr/internal/respond"
	"ansr/internal/worker"
)

// maxUploadBytes caps a single media blob at 256 MiB.
const maxUploadBytes = 256 << 20

type campaignRequest struct {
	Title           string `json:"title"`
	Description     string `json:"description"`
	WelcomeVideoID  string `json:"welcome_video_id"`
	ThankYouVideoID string `json:"thank_you_video_id"`
	ThankYouMessage string `json:"thank_you_message"`
	ThankYouType    string `json:"thank_you_type"`
}

func (h *Handler) createCampaign(c *gin.Context) {
	user, ok := auth.UserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	var req campaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	campaign := &models.Campaign{
		Title:           req.Title,
		Description:     req.Description,
		OwnerID:         user.ID,
		WelcomeVideoID:  req.WelcomeVideoID,
		ThankYouVideoID: req.ThankYouVideoID,
		ThankYouMessage: req.ThankYouMessage,
		ThankYouType:    req.ThankYouType,
	}
	if err := h.respond.CreateCampaign(c.Request.Context(), campaign); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"campaign": campaign})
}

func (h *Handler) listCampaigns(c *gin.Context) {
	user, ok := auth.UserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	campaigns, err := h.respond.CampaignsByOwner(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"campaigns": campaigns})
}

// getCampaign is public so respond links work before sign-in. Playback
// URLs for the intro videos ride along.
func (h *Handler) getCampaign(c *gin.Context) {
	campaign, err := h.respond.Campaign(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, respond.ErrCampaignNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "campaign not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	payload := gin.H{"campaign": campaign}
	if campaign.WelcomeVideoID != "" {
		payload["welcome_playback_url"] = h.stream.PlaybackURL(campaign.WelcomeVideoID)
	}
	if campaign.ThankYouVideoID != "" {
		payload["thank_you_playback_url"] = h.stream.PlaybackURL(campaign.ThankYouVideoID)
	}
	c.JSON(http.StatusOK, payload)
}

type statusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) updateCampaignStatus(c *gin.Context) {
	user, ok := auth.UserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	campaign, err := h.respond.Campaign(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "campaign not found"})
		return
	}
	if campaign.OwnerID != user.ID && !h.auth.IsAdmin(user) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not the campaign owner"})
		return
	}
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.respond.UpdateCampaignStatus(c.Request.Context(), campaign.ID, req.Status); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": req.Status})
}

func (h *Handler) getConversation(c *gin.Context) {
	user, ok := auth.UserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	conv, err := h.respond.Conversation(c.Request.Context(), c.Param("id"), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	messages, err := h.respond.Messages(c.Request.Context(), conv.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv, "messages": messages})
}

type textResponseRequest struct {
	Content string `json:"content"`
}

func (h *Handler) submitTextResponse(c *gin.Context) {
	user, ok := auth.UserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	var req textResponseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	msg, err := h.respond.SubmitResponse(c.Request.Context(), c.Param("id"), user.ID, models.MessageText, req.Content)
	if err != nil {
		switch {
		case errors.Is(err, respond.ErrCampaignNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, respond.ErrCampaignClosed), errors.Is(err, respond.ErrEmptyResponse):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// createUpload accepts a multipart media blob and queues it for the
// upload pipeline. The client polls the returned id or listens on the
// websocket for progress.
func (h *Handler) createUpload(c *gin.Context) {
	user, ok := auth.UserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	kind := models.MessageType(c.PostForm("kind"))
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file field required"})
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read upload body failed"})
		return
	}
	if len(data) > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload exceeds size limit"})
		return
	}

	upload, job, err := h.uploads.CreateUpload(c.Request.Context(), user.ID, c.Param("id"), kind, header.Filename, data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	select {
	case h.dispatcher.JobQueue <- job:
	default:
		h.uploads.DiscardUpload(c.Request.Context(), upload)
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "upload queue full, please retry"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"upload": upload})
}

func (h *Handler) getUpload(c *gin.Context) {
	user, ok := auth.UserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	upload, err := h.uploads.UploadByID(c.Request.Context(), c.Param("id"), user.ID)
	if err != nil {
		if errors.Is(err, worker.ErrUploadNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "upload not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	payload := gin.H{"upload": upload}
	if upload.Status == models.UploadComplete && upload.MediaID != "" {
		payload["playback_url"] = h.stream.PlaybackURL(upload.MediaID)
		payload["thumbnail_url"] = h.stream.ThumbnailURL(upload.MediaID)
	}
	c.JSON(http.StatusOK, payload)
}

func (h *Handler) listQuotes(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "5"))
	quotes, err := h.respond.Quotes(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"quotes": quotes})
}
