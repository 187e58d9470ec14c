package middleware

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/yoockh/coachloop/internal/signature"
	"github.com/yoockh/coachloop/internal/utils"
)

const maxSignedBody = 10 << 20

// VerifySignature reads the raw body, checks it against the signature found
// in header and stores the body under CtxRawBody for the handler.
func VerifySignature(v *signature.Verifier, header string, log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSignedBody+1))
		if err != nil {
			abort(c, http.StatusBadRequest, utils.CodeInvalidArgument, "failed to read body")
			return
		}
		if len(body) > maxSignedBody {
			abort(c, http.StatusRequestEntityTooLarge, utils.CodeInvalidArgument, "body too large")
			return
		}

		if err := v.Verify(c.GetHeader(header), body, time.Now()); err != nil {
			log.WithFields(logrus.Fields{
				"path":       c.FullPath(),
				"request_id": c.GetString(CtxRequestID),
				"reason":     err.Error(),
			}).Warn("signature rejected")
			if errors.Is(err, signature.ErrNoKeys) {
				abort(c, http.StatusInternalServerError, utils.CodeInternal, "signing keys not configured")
				return
			}
			abort(c, http.StatusUnauthorized, utils.CodeUnauthorized, "invalid signature")
			return
		}

		c.Set(CtxRawBody, body)
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		c.Next()
	}
}
