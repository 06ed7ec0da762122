package middleware

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/d60-Lab/approval-gate/internal/signature"
	"github.com/d60-Lab/approval-gate/pkg/logger"
	"github.com/d60-Lab/approval-gate/pkg/metrics"
	"github.com/d60-Lab/approval-gate/pkg/response"
)

// maxBodyBytes Slack 交互回调远小于该值
const maxBodyBytes = 1 << 20

// SlackSignature 校验回调签名；读取原始 body 后写回，供后续 handler 解析表单
func SlackSignature(v *signature.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if v == nil || v.Secret == "" {
			logger.Error("signing secret not configured, rejecting callback", zap.String("path", c.FullPath()))
			metrics.RecordWebhookRejection("secret_missing")
			response.ServiceUnavailable(c, "signing secret not configured")
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
		if err != nil {
			metrics.RecordWebhookRejection("read_body")
			response.BadRequest(c, "failed to read body")
			return
		}
		if len(body) > maxBodyBytes {
			metrics.RecordWebhookRejection("body_too_large")
			response.Error(c, http.StatusRequestEntityTooLarge, "body too large")
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		err = v.Verify(
			c.GetHeader(signature.HeaderTimestamp),
			c.GetHeader(signature.HeaderSignature),
			body,
		)
		if err != nil {
			reason := rejectionReason(err)
			metrics.RecordWebhookRejection(reason)
			logger.Warn("rejected callback", zap.String("reason", reason), zap.String("client_ip", c.ClientIP()))
			response.BadRequest(c, err.Error())
			return
		}
		c.Next()
	}
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, signature.ErrMissingHeaders):
		return "missing_headers"
	case errors.Is(err, signature.ErrInvalidTimestamp):
		return "invalid_timestamp"
	case errors.Is(err, signature.ErrStaleTimestamp):
		return "stale_timestamp"
	case errors.Is(err, signature.ErrInvalidSignature):
		return "invalid_signature"
	}
	return "unknown"
}
