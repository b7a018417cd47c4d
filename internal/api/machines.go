package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"zw-go/internal/model"
)

type registerRequest struct {
	Hostname string `json:"hostname" binding:"required"`
	Platform string `json:"platform"`
	Address  string `json:"address"`
	SSHUser  string `json:"ssh_user"`
	SSHPort  int    `json:"ssh_port"`
}

type machineResponse struct {
	ID       string     `json:"id"`
	Hostname string     `json:"hostname"`
	Platform string     `json:"platform"`
	Address  string     `json:"address"`
	SSHUser  string     `json:"ssh_user"`
	SSHPort  int        `json:"ssh_port"`
	APIKey   string     `json:"api_key,omitempty"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
	Removed  bool       `json:"removed,omitempty"`
}

func machineJSON(m model.Machine, includeKey bool) machineResponse {
	resp := machineResponse{
		ID:       m.ID,
		Hostname: m.Hostname,
		Platform: m.Platform,
		Address:  m.Address,
		SSHUser:  m.SSHUser,
		SSHPort:  m.SSHPort,
		LastSeen: m.LastSeen,
		Removed:  m.Removed,
	}
	if includeKey {
		resp.APIKey = m.APIKey
	}
	return resp
}

// registerMachine registers a machine or returns its existing registration.
// The API key is only ever disclosed here.
func (s *Server) registerMachine(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	m, err := s.engine.RegisterMachine(c.Request.Context(), req.Hostname, req.Platform, req.Address, req.SSHUser, req.SSHPort)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, machineJSON(*m, true))
}

func (s *Server) heartbeat(c *gin.Context) {
	if err := s.engine.Heartbeat(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type healthResponse struct {
	machineResponse
	Connectivity model.Connectivity `json:"connectivity"`
}

func (s *Server) machinesHealth(c *gin.Context) {
	health, err := s.engine.MachinesHealth(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]healthResponse, 0, len(health))
	for _, h := range health {
		out = append(out, healthResponse{
			machineResponse: machineJSON(h.Machine, false),
			Connectivity:    h.Connectivity,
		})
	}
	c.JSON(http.StatusOK, gin.H{"machines": out})
}

type snapshotReport struct {
	Pool      string    `json:"pool" binding:"required"`
	Dataset   string    `json:"dataset" binding:"required"`
	Name      string    `json:"name" binding:"required"`
	CreatedAt time.Time `json:"created_at" binding:"required"`
	Size      int64     `json:"size"`
}

type snapshotsRequest struct {
	Snapshots []snapshotReport `json:"snapshots" binding:"required"`
}

func (s *Server) reportSnapshots(c *gin.Context) {
	var req snapshotsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	recs := make([]model.SnapshotRecord, 0, len(req.Snapshots))
	for _, r := range req.Snapshots {
		recs = append(recs, model.SnapshotRecord{
			Pool:      r.Pool,
			Dataset:   r.Dataset,
			Name:      r.Name,
			CreatedAt: r.CreatedAt,
			Size:      r.Size,
		})
	}
	if err := s.engine.ReportSnapshots(c.Request.Context(), c.Param("id"), recs); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"ingested": len(recs)})
}

func (s *Server) getInstructions(c *gin.Context) {
	instructions, err := s.engine.GetInstructions(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if instructions == nil {
		instructions = []model.Instruction{}
	}
	c.JSON(http.StatusOK, gin.H{"instructions": instructions})
}

type syncStateRequest struct {
	GroupID  string `json:"group_id" binding:"required"`
	Dataset  string `json:"dataset" binding:"required"`
	Status   string `json:"status" binding:"required"` // "completed" or "failed"
	Snapshot string `json:"snapshot"`
	Error    string `json:"error"`
}

// reportSyncState records an instruction outcome from the target machine.
func (s *Server) reportSyncState(c *gin.Context) {
	var req syncStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	machineID := c.Param("id")
	ctx := c.Request.Context()

	var err error
	switch req.Status {
	case "completed":
		if req.Snapshot == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "snapshot is required for completed reports"})
			return
		}
		err = s.engine.ReportCompletion(ctx, req.GroupID, machineID, req.Dataset, req.Snapshot)
	case "failed":
		err = s.engine.ReportFailure(ctx, req.GroupID, machineID, req.Dataset, req.Error)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be completed or failed"})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
