package ingest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"bitbucket.org/mmdatafocus/nesting_backend/config"
	"bitbucket.org/mmdatafocus/nesting_backend/utils"
	"github.com/gin-gonic/gin"
)

const (
	HeaderHookChallenge = "Smartsheet-Hook-Challenge"
	HeaderHookResponse  = "Smartsheet-Hook-Response"

	maxCallbackBytes = 5 << 20
)

type WebhookResponse struct {
	Status    string `json:"status"`
	TraceId   string `json:"trace_id"`
	Processed int    `json:"processed"`
	Skipped   int    `json:"skipped"`
	Error     string `json:"error,omitempty"`
}

// WebhookHandler answers provider callbacks. Every non-challenge response is HTTP 200:
// the provider retries on anything else, and the ledger already makes retries pointless.
func WebhookHandler(gate *Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, traceId := utils.EnsureTraceId(c.Request.Context())
		logger := config.GetLogger()

		defer func() {
			if r := recover(); r != nil {
				config.LogError(logger, "ingest", "WebhookHandler", "panic while handling callback", traceId, fmt.Errorf("%v", r))
				c.JSON(http.StatusOK, WebhookResponse{Status: "ERROR", TraceId: traceId, Error: "internal error"})
			}
		}()

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBytes))
		if err != nil {
			config.LogError(logger, "ingest", "WebhookHandler", "read body", traceId, err)
			c.JSON(http.StatusOK, WebhookResponse{Status: "ERROR", TraceId: traceId, Error: "unreadable body"})
			return
		}

		var cb Callback
		var parseErr error
		if len(strings.TrimSpace(string(body))) > 0 {
			parseErr = json.Unmarshal(body, &cb)
		}

		challenge := strings.TrimSpace(cb.Challenge)
		if challenge == "" {
			challenge = strings.TrimSpace(c.GetHeader(HeaderHookChallenge))
		}
		if challenge != "" {
			c.Header(HeaderHookResponse, challenge)
			c.JSON(http.StatusOK, gin.H{"smartsheetHookResponse": challenge})
			return
		}

		if parseErr != nil {
			config.LogError(logger, "ingest", "WebhookHandler", "malformed callback", traceId, parseErr)
			c.JSON(http.StatusOK, WebhookResponse{Status: "ERROR", TraceId: traceId, Error: "malformed payload"})
			return
		}

		outcome, err := gate.HandleBatch(ctx, cb)
		resp := WebhookResponse{
			Status:    "OK",
			TraceId:   traceId,
			Processed: outcome.Processed,
			Skipped:   outcome.Skipped,
		}
		if err != nil {
			resp.Status = "ERROR"
			resp.Error = err.Error()
		}
		c.JSON(http.StatusOK, resp)
	}
}
