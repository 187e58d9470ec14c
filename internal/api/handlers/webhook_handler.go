package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yoockh/coachloop/internal/services"
	"github.com/yoockh/coachloop/internal/utils"
)

const HeaderDeliveryID = "X-Delivery-Id"

type WebhookHandler struct {
	ingest services.IngestService
}

func NewWebhookHandler(ingest services.IngestService) *WebhookHandler {
	return &WebhookHandler{ingest: ingest}
}

func (h *WebhookHandler) BotStatus(c *gin.Context) {
	body, err := rawBody(c)
	if err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, "WebhookHandler.BotStatus", "failed to read body", err))
		return
	}

	res, err := h.ingest.HandleBotEvent(c.Request.Context(), body, c.GetHeader(HeaderDeliveryID))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
