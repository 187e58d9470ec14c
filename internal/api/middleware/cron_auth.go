package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/yoockh/coachloop/config"
	"github.com/yoockh/coachloop/internal/utils"
)

const (
	HeaderCronSecret      = "X-Cron-Secret"
	HeaderInternalKey     = "X-Internal-Key"
	HeaderSchedulerSigned = "Upstash-Signature"
)

// schedulerClaims are carried by scheduler-signed callbacks. Body is the
// base64url SHA-256 of the request body.
type schedulerClaims struct {
	jwt.RegisteredClaims
	Body string `json:"body"`
}

// CronAuth accepts any one of: the shared cron secret, a scheduler-signed
// JWT bound to the request body, or the bcrypt-hashed internal key.
func CronAuth(cfg config.CronConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s := c.GetHeader(HeaderCronSecret); s != "" && utils.EqualSecret(cfg.Secret, s) {
			c.Set(CtxUserID, "cron")
			c.Next()
			return
		}

		if tok := c.GetHeader(HeaderSchedulerSigned); tok != "" && len(cfg.SchedulerKeys) > 0 {
			body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSignedBody))
			if err != nil {
				abort(c, http.StatusBadRequest, utils.CodeInvalidArgument, "failed to read body")
				return
			}
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
			if verifySchedulerToken(cfg.SchedulerKeys, tok, body) {
				c.Set(CtxUserID, "scheduler")
				c.Next()
				return
			}
		}

		if k := c.GetHeader(HeaderInternalKey); k != "" && utils.CheckSecretHash(cfg.InternalKeyHash, k) {
			c.Set(CtxUserID, "internal")
			c.Next()
			return
		}

		abort(c, http.StatusUnauthorized, utils.CodeUnauthorized, "unauthorized")
	}
}

func verifySchedulerToken(keys []string, raw string, body []byte) bool {
	sum := sha256.Sum256(body)
	want := base64.RawURLEncoding.EncodeToString(sum[:])

	for _, k := range keys {
		claims := &schedulerClaims{}
		tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			return []byte(k), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
		if err != nil || !tok.Valid {
			continue
		}
		if strings.TrimRight(claims.Body, "=") == want {
			return true
		}
	}
	return false
}
