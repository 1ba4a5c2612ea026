// Package healthcheck provides the liveness and readiness probes of the
// relay process.
package healthcheck

import (
	"encoding/json"
	"net/http"
	"sync"

	log "github.com/sirupsen/logrus"
)

// ProbeResponse is the JSON body of a probe answer.
type ProbeResponse struct {
	Status string `json:"status"`
}

// Checker tracks whether the process should receive traffic. Liveness is
// true for the lifetime of the process, readiness flips on once the
// listeners are up and off again when shutdown starts.
type Checker struct {
	mu    sync.RWMutex
	ready bool
}

func NewChecker() *Checker {
	return &Checker{}
}

// SetReady flips the readiness state.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

// Healthy reports process liveness. Always true while we can answer at all.
func (c *Checker) Healthy() bool {
	return true
}

// Ready reports whether the service accepts traffic.
func (c *Checker) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// LivenessHandler answers the liveness probe.
func (c *Checker) LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	writeProbeResponse(w, c.Healthy())
}

// ReadinessHandler answers the readiness probe.
func (c *Checker) ReadinessHandler(w http.ResponseWriter, _ *http.Request) {
	writeProbeResponse(w, c.Ready())
}

func writeProbeResponse(w http.ResponseWriter, ok bool) {
	status := http.StatusOK
	resp := ProbeResponse{Status: "healthy"}
	if !ok {
		status = http.StatusServiceUnavailable
		resp.Status = "unhealthy"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Debugf("failed to write probe response: %s", err)
	}
}
