package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const checkTimeout = 2 * time.Second

// CheckFunc reports whether a dependency is reachable.
type CheckFunc func(ctx context.Context) error

type Status struct {
	Healthy    bool              `json:"healthy"`
	Components map[string]string `json:"components"`
}

// Checker runs named dependency checks concurrently.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
}

func NewChecker() *Checker {
	return &Checker{checks: make(map[string]CheckFunc)}
}

func (h *Checker) Register(name string, fn CheckFunc) {
	h.mu.Lock()
	h.checks[name] = fn
	h.mu.Unlock()
}

func (h *Checker) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.checks))
	for n := range h.checks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (h *Checker) Check(ctx context.Context) *Status {
	h.mu.RLock()
	checks := make(map[string]CheckFunc, len(h.checks))
	for n, fn := range h.checks {
		checks[n] = fn
	}
	h.mu.RUnlock()

	status := &Status{Healthy: true, Components: make(map[string]string, len(checks))}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, fn := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			result := "connected"
			if err := fn(cctx); err != nil {
				result = "disconnected"
			}
			mu.Lock()
			status.Components[name] = result
			if result != "connected" {
				status.Healthy = false
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	return status
}

// Handler serves the health status; 503 when any component is down.
func (h *Checker) Handler(c *gin.Context) {
	status := h.Check(c.Request.Context())
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
