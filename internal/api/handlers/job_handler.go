package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/yoockh/coachloop/internal/api/middleware"
	"github.com/yoockh/coachloop/internal/models"
	"github.com/yoockh/coachloop/internal/services"
	"github.com/yoockh/coachloop/internal/utils"
)

// JobHandler receives signed queue deliveries.
type JobHandler struct {
	worker   services.SessionWorker
	validate *validator.Validate
	budget   time.Duration
}

func NewJobHandler(worker services.SessionWorker, budget time.Duration) *JobHandler {
	if budget <= 0 {
		budget = 5 * time.Minute
	}
	return &JobHandler{worker: worker, validate: validator.New(), budget: budget}
}

// SessionAnalysis answers 400 for bodies that can never succeed so the queue
// stops redelivering them. Analysis failures are reported with 200 and
// success=false because the retry scheduler owns the requeue.
func (h *JobHandler) SessionAnalysis(c *gin.Context) {
	const op = "JobHandler.SessionAnalysis"

	body, err := rawBody(c)
	if err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "failed to read body", err))
		return
	}

	var p models.SessionJobPayload
	if err := json.Unmarshal(body, &p); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "invalid request body", err))
		return
	}
	if err := h.validate.Struct(p); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "invalid job payload: "+err.Error(), err))
		return
	}
	if p.RequestID == "" {
		p.RequestID = c.GetString(middleware.CtxRequestID)
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.budget)
	defer cancel()

	res, err := h.worker.Process(ctx, p)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = utils.E(utils.CodeTimeout, op, "job budget exceeded", err)
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
