// Package health serves the liveness and readiness probes mounted next to
// /metrics.
package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Status of a probe or a single check.
type Status string

const (
	StatusUp   Status = "up"
	StatusDown Status = "down"
)

// Check is one named readiness condition in a response.
type Check struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the JSON body of both probes.
type Response struct {
	Status    Status  `json:"status"`
	Draining  bool    `json:"draining,omitempty"`
	Checks    []Check `json:"checks,omitempty"`
	Timestamp string  `json:"timestamp"`
}

// CheckFunc returns nil while its component can accept records.
type CheckFunc func() error

type namedCheck struct {
	name  string
	check CheckFunc
}

// Checker answers /live and /ready. Liveness only reports that the process
// serves requests; readiness runs the registered checks in registration
// order and turns down once draining starts.
type Checker struct {
	mu       sync.RWMutex
	checks   []namedCheck
	draining atomic.Bool
	now      func() time.Time
}

func New() *Checker {
	return &Checker{now: time.Now}
}

// Register adds a readiness check. A second check with the same name
// replaces the first.
func (c *Checker) Register(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.checks {
		if c.checks[i].name == name {
			c.checks[i].check = check
			return
		}
	}
	c.checks = append(c.checks, namedCheck{name: name, check: check})
}

// SetDraining marks the process as shutting down.
func (c *Checker) SetDraining() {
	c.draining.Store(true)
}

// Mount registers /live and /ready on mux.
func (c *Checker) Mount(mux *http.ServeMux) {
	mux.HandleFunc("/live", c.LiveHandler())
	mux.HandleFunc("/ready", c.ReadyHandler())
}

// LiveHandler returns the liveness probe handler.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		c.write(w, http.StatusOK, Response{Status: StatusUp, Draining: c.draining.Load()})
	}
}

// ReadyHandler returns the readiness probe handler.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if c.draining.Load() {
			c.write(w, http.StatusServiceUnavailable, Response{Status: StatusDown, Draining: true})
			return
		}

		c.mu.RLock()
		checks := append([]namedCheck(nil), c.checks...)
		c.mu.RUnlock()

		resp := Response{Status: StatusUp, Checks: make([]Check, 0, len(checks))}
		for _, nc := range checks {
			res := Check{Name: nc.name, Status: StatusUp}
			if err := nc.check(); err != nil {
				res.Status = StatusDown
				res.Message = err.Error()
				resp.Status = StatusDown
			}
			resp.Checks = append(resp.Checks, res)
		}

		code := http.StatusOK
		if resp.Status == StatusDown {
			code = http.StatusServiceUnavailable
		}
		c.write(w, code, resp)
	}
}

func (c *Checker) write(w http.ResponseWriter, code int, resp Response) {
	resp.Timestamp = c.now().UTC().Format(time.RFC3339)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
