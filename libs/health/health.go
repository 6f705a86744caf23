package health

import (
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

const (
	stateStarting = iota
	stateReady
	stateDraining
)

// Manager is flipped ready after startup wiring and flipped to draining
// at the start of shutdown so the load balancer pulls traffic before
// the dispatch lanes stop.
type Manager struct {
	state atomic.Int32
}

func NewManager(initialReady bool) *Manager {
	m := &Manager{}
	if initialReady {
		m.state.Store(stateReady)
	}
	return m
}

func (m *Manager) SetReady(ready bool) {
	if ready {
		m.state.Store(stateReady)
		return
	}
	m.state.Store(stateStarting)
}

// SetDraining marks the service as shutting down. Readiness fails but
// in-flight work is still completing.
func (m *Manager) SetDraining() {
	m.state.Store(stateDraining)
}

func (m *Manager) IsReady() bool {
	return m.state.Load() == stateReady
}

func LivenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func ReadinessHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch m.state.Load() {
		case stateReady:
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
		case stateDraining:
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "draining"})
		default:
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		}
	}
}
