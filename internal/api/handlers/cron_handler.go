package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yoockh/coachloop/internal/services"
)

type CronHandler struct {
	reconciler services.Reconciler
}

func NewCronHandler(r services.Reconciler) *CronHandler {
	return &CronHandler{reconciler: r}
}

// Reconcile runs one sweep synchronously and returns its summary.
func (h *CronHandler) Reconcile(c *gin.Context) {
	summary, err := h.reconciler.Sweep(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}
