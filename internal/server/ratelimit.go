package server

import (
	"fmt"
	"strconv"

	"github.com/brandvoice/contentops/internal/metrics"
	"github.com/brandvoice/contentops/internal/models"
	"github.com/brandvoice/contentops/internal/ratelimit"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// rateLimitMiddleware admits the request against the named policy before the
// handler does any upstream work. Admission backend errors fail open.
func (s *Server) rateLimitMiddleware(policyName string) gin.HandlerFunc {
	policy := s.deps.Policies.MustGet(policyName)

	return func(c *gin.Context) {
		key := ratelimit.Key(policy.Name, c.GetString(ctxCallerID))

		decision, err := s.deps.Admitter.Admit(c.Request.Context(), key, policy)
		if err != nil {
			s.logger.Warn("Rate limit check failed, admitting request",
				zap.String("policy", policy.Name),
				zap.String("key", key),
				zap.Error(err))
			s.deps.Metrics.ObserveAdmission(policy.Name, metrics.OutcomeError)
			c.Next()
			return
		}

		h := c.Writer.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

		if !decision.Allowed {
			s.deps.Metrics.ObserveAdmission(policy.Name, metrics.OutcomeDenied)
			wait := decision.RetryAfter(s.now())
			h.Set("Retry-After", strconv.Itoa(max(wait, 1)))

			s.logger.Info("Rate limit exceeded",
				zap.String("policy", policy.Name),
				zap.String("key", key),
				zap.Int("retry_after", wait))

			c.AbortWithStatusJSON(429, rateLimitedBody(wait))
			return
		}

		s.deps.Metrics.ObserveAdmission(policy.Name, metrics.OutcomeAllowed)
		c.Next()
	}
}

func rateLimitedBody(seconds int) models.RateLimitErrorResponse {
	return models.RateLimitErrorResponse{
		Error: fmt.Sprintf("Rate limit exceeded. Try again in %ds.", seconds),
	}
}
