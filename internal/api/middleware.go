package api

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mt5-trader/internal/logging"
	"mt5-trader/internal/security"
	"mt5-trader/internal/store"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
	headerRequestID      = "X-Request-ID"
)

// requestLogger logs every request through zerolog and carries a
// request-scoped logger in the request context.
func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetHeader(headerRequestID)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Header(headerRequestID, requestID)

		reqLogger := logger.With().Str("request_id", requestID).Logger()
		c.Request = c.Request.WithContext(logging.WithLogger(c.Request.Context(), reqLogger))

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		logging.LogAPICall(reqLogger, c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}

// recovery turns a panic into a 500 with a JSON body.
func recovery(logger zerolog.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logger.Error().Interface("panic", recovered).Str("path", c.Request.URL.Path).Msg("Handler panicked")
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody{
			Detail: "Internal server error",
			Code:   "internal_error",
		})
	})
}

// rateLimit rejects trade requests once the bucket is empty.
func rateLimit(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter.Allow() {
			c.Next()
			return
		}
		wait := limiter.RetryAfter()
		c.Header("Retry-After", fmt.Sprintf("%d", int(math.Ceil(wait.Seconds()))))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, errorBody{
			Detail: "Too many trade requests",
			Code:   "rate_limited",
		})
	}
}

// bodyRecorder captures the response body for the idempotency cache.
type bodyRecorder struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *bodyRecorder) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *bodyRecorder) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// idempotency replays the first response produced for an Idempotency-Key.
// Requests without the header pass through. A key whose first request is
// still running gets 409; a 5xx answer releases the key so the client can
// retry.
func idempotency(idem store.IdempotencyStore, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader(headerIdempotencyKey)
		if header == "" || idem == nil {
			c.Next()
			return
		}
		if err := security.ValidateIdempotencyKey(header); err != nil {
			abortWithError(c, err)
			return
		}

		ctx := context.WithoutCancel(c.Request.Context())
		key := c.Request.Method + " " + c.Request.URL.Path + " " + header

		if replay(ctx, c, idem, key, logger) {
			return
		}

		reserved, err := idem.Reserve(ctx, key)
		if err != nil {
			logger.Error().Err(err).Msg("Idempotency store unavailable")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, errorBody{
				Detail: "Idempotency store unavailable",
				Code:   "internal_error",
			})
			return
		}
		if !reserved {
			if replay(ctx, c, idem, key, logger) {
				return
			}
			c.AbortWithStatusJSON(http.StatusConflict, errorBody{
				Detail: "A request with this Idempotency-Key is still in progress",
				Code:   "idempotency_conflict",
			})
			return
		}

		release := func() {
			if err := idem.Release(ctx, key); err != nil {
				logger.Warn().Err(err).Msg("Failed to release idempotency key")
			}
		}
		// A panicking handler is answered with a 500 by recovery further
		// out, so the key must not stay reserved.
		defer func() {
			if r := recover(); r != nil {
				release()
				panic(r)
			}
		}()

		rec := &bodyRecorder{ResponseWriter: c.Writer}
		c.Writer = rec
		c.Next()

		status := rec.Status()
		if status >= http.StatusInternalServerError {
			release()
			return
		}
		if err := idem.Save(ctx, key, store.CachedResponse{Status: status, Body: rec.body.Bytes()}); err != nil {
			logger.Warn().Err(err).Msg("Failed to cache idempotent response")
		}
	}
}

func replay(ctx context.Context, c *gin.Context, idem store.IdempotencyStore, key string, logger zerolog.Logger) bool {
	cached, err := idem.Get(ctx, key)
	if err != nil {
		logger.Warn().Err(err).Msg("Idempotency lookup failed")
		return false
	}
	if cached == nil {
		return false
	}
	c.Header(headerReplayed, "true")
	c.Data(cached.Status, "application/json; charset=utf-8", cached.Body)
	c.Abort()
	return true
}
