package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"zw-go/internal/model"
)

type groupRequest struct {
	Name                string   `json:"name" binding:"required"`
	Enabled             *bool    `json:"enabled"`
	Topology            string   `json:"topology"`
	HubMachineID        string   `json:"hub_machine_id"`
	MemberIDs           []string `json:"member_ids" binding:"required"`
	PassIntervalSeconds int      `json:"pass_interval_seconds"`
	Strategy            string   `json:"strategy"`
}

func (r groupRequest) toModel(id string) *model.SyncGroup {
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	return &model.SyncGroup{
		ID:           id,
		Name:         r.Name,
		Enabled:      enabled,
		Topology:     model.Topology(r.Topology),
		HubMachineID: r.HubMachineID,
		MemberIDs:    r.MemberIDs,
		PassInterval: time.Duration(r.PassIntervalSeconds) * time.Second,
		Strategy:     model.ResolutionStrategy(r.Strategy),
	}
}

type groupResponse struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	Enabled             bool     `json:"enabled"`
	Topology            string   `json:"topology"`
	HubMachineID        string   `json:"hub_machine_id,omitempty"`
	MemberIDs           []string `json:"member_ids"`
	PassIntervalSeconds int      `json:"pass_interval_seconds"`
	Strategy            string   `json:"strategy"`
}

func groupJSON(g model.SyncGroup) groupResponse {
	return groupResponse{
		ID:                  g.ID,
		Name:                g.Name,
		Enabled:             g.Enabled,
		Topology:            string(g.Topology),
		HubMachineID:        g.HubMachineID,
		MemberIDs:           g.MemberIDs,
		PassIntervalSeconds: int(g.PassInterval / time.Second),
		Strategy:            string(g.Strategy),
	}
}

func (s *Server) listGroups(c *gin.Context) {
	groups, err := s.store.ListGroups(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]groupResponse, 0, len(groups))
	for _, g := range groups {
		out = append(out, groupJSON(g))
	}
	c.JSON(http.StatusOK, gin.H{"groups": out})
}

func (s *Server) createGroup(c *gin.Context) {
	var req groupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	g := req.toModel("")
	if err := s.engine.CreateGroup(c.Request.Context(), g); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, groupJSON(*g))
}

func (s *Server) updateGroup(c *gin.Context) {
	var req groupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	g := req.toModel(c.Param("id"))
	if err := s.engine.UpdateGroup(c.Request.Context(), g); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, groupJSON(*g))
}

func (s *Server) deleteGroup(c *gin.Context) {
	if err := s.engine.DeleteGroup(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type stateResponse struct {
	GroupID         string     `json:"group_id"`
	MachineID       string     `json:"machine_id"`
	Dataset         string     `json:"dataset"`
	Status          string     `json:"status"`
	PendingSnapshot string     `json:"pending_snapshot,omitempty"`
	LastSync        *time.Time `json:"last_sync,omitempty"`
	LastCheck       *time.Time `json:"last_check,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
}

func stateJSON(st model.SyncState) stateResponse {
	return stateResponse{
		GroupID:         st.GroupID,
		MachineID:       st.MachineID,
		Dataset:         st.Dataset,
		Status:          string(st.Status),
		PendingSnapshot: st.PendingSnapshot,
		LastSync:        st.LastSync,
		LastCheck:       st.LastCheck,
		LastError:       st.LastError,
	}
}

func (s *Server) groupStates(c *gin.Context) {
	states, err := s.store.StatesForGroup(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]stateResponse, 0, len(states))
	for _, st := range states {
		out = append(out, stateJSON(st))
	}
	c.JSON(http.StatusOK, gin.H{"states": out})
}

func (s *Server) groupSummary(c *gin.Context) {
	summary, err := s.engine.SummarizeGroup(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	counts := make(map[string]int, len(summary.StatusCounts))
	for status, n := range summary.StatusCounts {
		counts[string(status)] = n
	}
	members := make([]healthResponse, 0, len(summary.Members))
	for _, h := range summary.Members {
		members = append(members, healthResponse{
			machineResponse: machineJSON(h.Machine, false),
			Connectivity:    h.Connectivity,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"group":                groupJSON(summary.Group),
		"status_counts":        counts,
		"unresolved_conflicts": summary.UnresolvedConflicts,
		"degraded":             summary.Degraded,
		"members":              members,
	})
}

type conflictResponse struct {
	ID         string                  `json:"id"`
	GroupID    string                  `json:"group_id"`
	Dataset    string                  `json:"dataset"`
	Snapshot   string                  `json:"snapshot"`
	Kind       string                  `json:"kind"`
	Severity   string                  `json:"severity"`
	Machines   []model.ConflictMachine `json:"machines"`
	Resolved   bool                    `json:"resolved"`
	ResolvedBy string                  `json:"resolved_by,omitempty"`
	DetectedAt time.Time               `json:"detected_at"`
}

func conflictJSON(c model.Conflict) conflictResponse {
	return conflictResponse{
		ID:         c.ID,
		GroupID:    c.GroupID,
		Dataset:    c.Dataset,
		Snapshot:   c.Snapshot,
		Kind:       string(c.Kind),
		Severity:   string(c.Severity),
		Machines:   c.Machines,
		Resolved:   c.Resolved,
		ResolvedBy: string(c.ResolvedBy),
		DetectedAt: c.DetectedAt,
	}
}

func (s *Server) groupConflicts(c *gin.Context) {
	conflicts, err := s.store.ConflictsForGroup(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]conflictResponse, 0, len(conflicts))
	for _, cf := range conflicts {
		out = append(out, conflictJSON(cf))
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": out})
}

type resolveRequest struct {
	Strategy string `json:"strategy" binding:"required"`
}

func (s *Server) resolveConflict(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch model.ResolutionStrategy(req.Strategy) {
	case model.ResolveUseNewest, model.ResolveUseLargest, model.ResolveUseMajority, model.ResolveIgnore:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown resolution strategy"})
		return
	}
	resolved, err := s.engine.ResolveConflict(c.Request.Context(), c.Param("id"), model.ResolutionStrategy(req.Strategy))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, conflictJSON(*resolved))
}
