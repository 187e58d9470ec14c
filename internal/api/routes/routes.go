package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/yoockh/coachloop/config"
	"github.com/yoockh/coachloop/internal/api/handlers"
	"github.com/yoockh/coachloop/internal/api/middleware"
	"github.com/yoockh/coachloop/internal/queue"
	"github.com/yoockh/coachloop/internal/ratelimit"
	"github.com/yoockh/coachloop/internal/signature"
)

const (
	JobSessionAnalysisPath = "/jobs/session-analysis"
	BotWebhookPath         = "/webhooks/bot"
	BotSignatureHeader     = "X-Bot-Signature"
)

type Deps struct {
	Job     *handlers.JobHandler
	Webhook *handlers.WebhookHandler
	Cron    *handlers.CronHandler
	Admin   *handlers.AdminHandler
	WS      *handlers.WSHandler
	Health  *handlers.HealthHandler

	QueueVerifier *signature.Verifier
	BotVerifier   *signature.Verifier
	WebhookLimit  *ratelimit.Keyed
	CronAuth      config.CronConfig
	Auth          config.AuthConfig
	Logger        *logrus.Logger
}

func RegisterRoutes(r *gin.Engine, d Deps) {
	r.GET("/ping", d.Health.Ping)
	r.GET("/healthz", d.Health.Healthz)

	r.POST(JobSessionAnalysisPath,
		middleware.VerifySignature(d.QueueVerifier, queue.SignatureHeader, d.Logger),
		d.Job.SessionAnalysis)

	r.POST(BotWebhookPath,
		middleware.RateLimit(d.WebhookLimit),
		middleware.VerifySignature(d.BotVerifier, BotSignatureHeader, d.Logger),
		d.Webhook.BotStatus)

	r.POST("/cron/reconcile", middleware.CronAuth(d.CronAuth), d.Cron.Reconcile)

	// Staff routes (JWT, admin role)
	admin := r.Group("/")
	admin.Use(middleware.JWTAuth(d.Auth), middleware.RequireAdmin())

	admin.POST("/admin/sessions/:session_id/requeue", d.Admin.Requeue)
	admin.GET("/admin/sessions/:session_id/reconciliation", d.Admin.ReconciliationHistory)
	admin.GET("/admin/sessions/:session_id/learning-event", d.Admin.SessionEvent)
	admin.GET("/admin/sessions/:session_id/recording", d.Admin.RecordingLink)
	admin.GET("/admin/children/:child_id/learning-events", d.Admin.ChildEvents)
	admin.GET("/ws/sessions/:session_id", d.WS.SessionStatus)
}
