// Package health serves the liveness and readiness probes of nodes and the
// hub.
//
//   - /healthz always returns 200 while the process can serve HTTP.
//   - /readyz returns 200 only when every registered Checker passes.
//
// Both respond with {"status": "ok"|"fail", "checks": {...}}.
package health

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 2 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is usable.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Condition builds a Checker from a boolean probe such as bus.Client.Connected.
func Condition(name string, ok func() bool, failure string) Checker {
	err := errors.New(failure)
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if ok() {
				return nil
			}
			return err
		},
	}
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probes. The checker list is fixed at construction.
type Handler struct {
	checkers []Checker
}

// New creates a Handler evaluating checkers in order on each /readyz request
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz is the liveness probe
func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, result{Status: "ok"})
}

// Readyz is the readiness probe
func (h *Handler) Readyz(c *gin.Context) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, chk := range h.checkers {
		ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
		err := chk.Check(ctx)
		cancel()

		if err != nil {
			checks[chk.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[chk.Name] = "ok"
		}
	}

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, res)
}

// Register adds GET /healthz and GET /readyz to r
func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/healthz", h.Healthz)
	r.GET("/readyz", h.Readyz)
}
