package gateway

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// handleLockStatus reports the current GPU lock holder and counters.
func (g *Gateway) handleLockStatus(c echo.Context) error {
	status, err := g.monitor.Status(c.Request().Context())
	if err != nil {
		return storeUnavailable(c, err)
	}
	return c.JSON(http.StatusOK, status)
}

// releaseLockRequest names the lock to force-release.
type releaseLockRequest struct {
	LockKey string `json:"lock_key"`
}

// handleReleaseLock lets an operator force-release the GPU lock. The same
// atomic compare-and-delete as the monitor's recovery path is used, so a
// release can never steal a successor's lock.
func (g *Gateway) handleReleaseLock(c echo.Context) error {
	var req releaseLockRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "malformed request body")
	}
	if req.LockKey == "" {
		return badRequest(c, "lock_key is required")
	}

	ctx := c.Request().Context()
	value, err := g.store.Get(ctx, req.LockKey)
	if err != nil {
		return storeUnavailable(c, err)
	}
	if value == "" {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"released": false,
			"message":  "lock is not held",
		})
	}

	released, err := g.store.CompareAndDelete(ctx, req.LockKey, value)
	if err != nil {
		return storeUnavailable(c, err)
	}
	g.log.WithField("lock_key", req.LockKey).WithField("released", released).
		Warn("operator forced lock release")
	return c.JSON(http.StatusOK, map[string]interface{}{
		"released": released,
		"holder":   value,
	})
}

// handleHeartbeats snapshots the heartbeat table.
func (g *Gateway) handleHeartbeats(c echo.Context) error {
	beats, err := g.store.AllHeartbeats(c.Request().Context())
	if err != nil {
		return storeUnavailable(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"count":      len(beats),
		"heartbeats": beats,
		"timestamp":  time.Now().Unix(),
	})
}

// handleStatistics serves the raw monitoring counters.
func (g *Gateway) handleStatistics(c echo.Context) error {
	stats, err := g.store.Stats(c.Request().Context())
	if err != nil {
		return storeUnavailable(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"stats":     stats,
		"timestamp": time.Now().Unix(),
	})
}
