package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ccrelay/internal/dispatch"
	"ccrelay/internal/ratelimit"
	"ccrelay/internal/relay"
	"ccrelay/internal/scheduler"
)

// writeDispatchError renders any error dispatch.Controller.Dispatch can
// return as the client-facing JSON error body, picking the right HTTP
// status for each of the handful of error shapes Dispatch surfaces.
func writeDispatchError(c *gin.Context, platform string, err error) {
	switch e := err.(type) {
	case *relay.Error:
		c.JSON(e.ClientStatus(), e.JSON())

	case *dispatch.AdmissionDeniedError:
		writeRateLimited(c, e.Result)

	case *dispatch.NoAccountAvailableError:
		c.JSON(http.StatusServiceUnavailable, relay.NoAccountAvailable(string(e.Platform)).JSON())

	case *scheduler.NoAccountAvailableError:
		c.JSON(http.StatusServiceUnavailable, relay.NoAccountAvailable(string(e.Platform)).JSON())

	default:
		c.JSON(http.StatusInternalServerError, relay.Internal(err).JSON())
	}
}

// clientStatusFor reports the same HTTP status writeDispatchError would
// render for err, for callers (request-log bookkeeping) that need the
// client-visible status without writing a response.
func clientStatusFor(err error) int {
	return dispatch.ClientStatus(err)
}

func writeRateLimited(c *gin.Context, result *ratelimit.Result) {
	body := gin.H{
		"type": "error",
		"error": gin.H{
			"code":    "429",
			"type":    "rate_limited",
			"message": "rate limit exceeded",
		},
	}
	if result != nil {
		if result.RetryAt != nil {
			c.Header("Retry-After-At", result.RetryAt.Format(http.TimeFormat))
		}
		body["error"].(gin.H)["limit"] = result.Limit
		body["error"].(gin.H)["window"] = result.Window.String()
	}
	c.JSON(http.StatusTooManyRequests, body)
}
