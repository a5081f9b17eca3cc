package ratelimit

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/af-corp/meshforge/internal/auth"
	"github.com/af-corp/meshforge/internal/config"
	"github.com/af-corp/meshforge/internal/httputil"
	"github.com/af-corp/meshforge/internal/telemetry"
)

const (
	headerRateLimitRequests          = "X-RateLimit-Limit-Requests"
	headerRateLimitRemainingRequests = "X-RateLimit-Remaining-Requests"
	headerRateLimitReset             = "X-RateLimit-Reset-Requests"
	headerQuotaLimit                 = "X-Quota-Limit-Generations"
	headerQuotaRemaining             = "X-Quota-Remaining-Generations"
	headerRetryAfter                 = "Retry-After"
)

// identity returns the bucket owner: the API key when authenticated, the
// client address otherwise.
func identity(r *http.Request) (string, *auth.AuthInfo) {
	if info, ok := auth.AuthFromContext(r.Context()); ok && info.KeyID != "" {
		return info.KeyID, info
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host, nil
}

// Middleware returns chi middleware that enforces per-key requests per minute.
func Middleware(limiter *Limiter, limits config.LimitsConfig, metrics *telemetry.Metrics, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := w.Header().Get(httputil.HeaderRequestID)
			id, info := identity(r)

			rpm := limits.DefaultRPM
			if info != nil && info.RPMLimit != nil {
				rpm = *info.RPMLimit
			}
			if rpm <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Check(r.Context(), "rpm:"+id, int64(rpm), time.Minute)
			if err != nil {
				logger.Warn("rate limit check failed, allowing request",
					zap.String("request_id", reqID),
					zap.Error(err),
				)
			}

			// Always set rate limit headers
			w.Header().Set(headerRateLimitRequests, strconv.Itoa(rpm))
			w.Header().Set(headerRateLimitRemainingRequests, strconv.FormatInt(result.Remaining, 10))
			w.Header().Set(headerRateLimitReset, result.ResetAt.UTC().Format(time.RFC3339))

			if !result.Allowed {
				logger.Warn("rate limit exceeded",
					zap.String("request_id", reqID),
					zap.String("identity", id),
					zap.String("dimension", "rpm"),
					zap.Int("limit", rpm),
				)
				if metrics != nil {
					metrics.RecordRateLimitHit("rpm")
				}
				w.Header().Set(headerRetryAfter, strconv.Itoa(retryAfterSeconds(result.RetryAfter)))
				httputil.WriteRateLimitError(w, reqID,
					fmt.Sprintf("Rate limit exceeded: %d requests per minute. Retry after %s", rpm, result.ResetAt.UTC().Format(time.RFC3339)))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// QuotaMiddleware enforces the daily generation quota. Each admitted request
// counts as one generation.
func QuotaMiddleware(quota *GenerationQuota, limits config.LimitsConfig, metrics *telemetry.Metrics, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := w.Header().Get(httputil.HeaderRequestID)
			id, info := identity(r)

			limit := limits.DefaultDailyGenerations
			if info != nil && info.DailyGenerationLimit != nil {
				limit = *info.DailyGenerationLimit
			}
			if limit <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			result, err := quota.Check(r.Context(), id, int64(limit))
			if err != nil {
				logger.Warn("quota check failed, allowing request",
					zap.String("request_id", reqID),
					zap.Error(err),
				)
			}
			if !result.Allowed {
				logger.Warn("daily generation quota exceeded",
					zap.String("request_id", reqID),
					zap.String("identity", id),
					zap.Int64("used", result.Used),
					zap.Int64("limit", result.Limit),
				)
				if metrics != nil {
					metrics.RecordRateLimitHit("daily_generations")
				}
				w.Header().Set(headerQuotaLimit, strconv.Itoa(limit))
				w.Header().Set(headerQuotaRemaining, "0")
				httputil.WriteRateLimitError(w, reqID,
					fmt.Sprintf("Daily generation quota exceeded: used %d of %d", result.Used, result.Limit))
				return
			}

			if err := quota.Record(r.Context(), id); err != nil {
				logger.Warn("record generation quota", zap.String("request_id", reqID), zap.Error(err))
			}
			remaining := int64(limit) - result.Used - 1
			if remaining < 0 {
				remaining = 0
			}
			w.Header().Set(headerQuotaLimit, strconv.Itoa(limit))
			w.Header().Set(headerQuotaRemaining, strconv.FormatInt(remaining, 10))

			next.ServeHTTP(w, r)
		})
	}
}

func retryAfterSeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
