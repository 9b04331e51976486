// Package health is the liveness/readiness surface, adapted from
// services/facilitator/internal/health/health.go: the same Status/Check/
// Response shape and concurrent-checks pattern, but checking pebble and
// the RPC adapter instead of redis.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

type Check struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

type Response struct {
	Status  Status  `json:"status"`
	Checks  []Check `json:"checks,omitempty"`
	Version string  `json:"version,omitempty"`
}

// StoreVerifier is the narrow slice of *store.Store health needs.
type StoreVerifier interface {
	Ping() error
}

// ChainVerifier is the narrow slice of *rpcadapter.Adapter health needs.
type ChainVerifier interface {
	Ping(ctx context.Context) error
}

type Checker struct {
	st      StoreVerifier
	chain   ChainVerifier
	version string
}

func NewChecker(st StoreVerifier, chain ChainVerifier, version string) *Checker {
	return &Checker{st: st, chain: chain, version: version}
}

// HealthHandler serves /health (liveness): always 200 once the process is
// up and able to respond.
func (h *Checker) HealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, Response{Status: StatusHealthy, Version: h.version})
	}
}

// ReadyHandler serves /ready (readiness): 503 if pebble or the chain RPC is
// unreachable.
func (h *Checker) ReadyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		checks := h.runChecks(ctx)
		overall := StatusHealthy
		for _, chk := range checks {
			if chk.Status == StatusUnhealthy {
				overall = StatusUnhealthy
				break
			}
		}

		status := http.StatusOK
		if overall != StatusHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, Response{Status: overall, Checks: checks, Version: h.version})
	}
}

func (h *Checker) runChecks(ctx context.Context) []Check {
	var wg sync.WaitGroup
	results := make(chan Check, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results <- h.checkStore()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		results <- h.checkChain(ctx)
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var checks []Check
	for c := range results {
		checks = append(checks, c)
	}
	return checks
}

func (h *Checker) checkStore() Check {
	check := Check{Name: "store"}
	if h.st == nil {
		check.Status = StatusUnhealthy
		check.Message = "pebble store not configured"
		return check
	}
	if err := h.st.Ping(); err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
		return check
	}
	check.Status = StatusHealthy
	return check
}

func (h *Checker) checkChain(ctx context.Context) Check {
	check := Check{Name: "chain"}
	if h.chain == nil {
		check.Status = StatusUnhealthy
		check.Message = "rpc adapter not configured"
		return check
	}
	if err := h.chain.Ping(ctx); err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
		return check
	}
	check.Status = StatusHealthy
	return check
}
