package middleware

import (
	"math"
	"net/http"
	"strconv"

	"github.com/kiranshivaraju/glmharness/internal/api/response"
	"golang.org/x/time/rate"
)

// RateLimit is a token-bucket limit shared by every caller of the service.
type RateLimit struct {
	limiter *rate.Limiter
	perSec  float64
}

// NewRateLimit creates a new RateLimit middleware. A non-positive rate
// disables limiting.
func NewRateLimit(requestsPerSec float64) *RateLimit {
	if requestsPerSec <= 0 {
		return &RateLimit{}
	}
	burst := int(math.Ceil(requestsPerSec))
	return &RateLimit{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSec), burst),
		perSec:  requestsPerSec,
	}
}

// Limit answers 429 once the bucket is empty. Clients treat that as a
// transient failure and retry.
func (rl *RateLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.FormatFloat(rl.perSec, 'f', -1, 64))
		if !rl.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			response.Error(w, http.StatusTooManyRequests,
				"RATE_LIMIT_EXCEEDED", "Too many requests", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}
