package api

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zboralski/tarsier/internal/cmplog"
)

// AddRoutes adds the session routes to the router group.
func AddRoutes(rg *gin.RouterGroup, s *Server) {
	rg.GET("/state", s.getState)
	rg.GET("/captures", s.getCaptures)
	rg.GET("/enabled", s.getEnabled)
	rg.POST("/enabled", s.setEnabled)
	rg.POST("/run", s.postRun)
}

// captureView is the wire form of one populated capture row.
type captureView struct {
	Slot  uint64 `json:"slot"`
	Kind  string `json:"kind"`
	Width uint8  `json:"width"`
	A     string `json:"a"`
	B     string `json:"b"`
}

func kindName(kind uint8) string {
	switch kind {
	case cmplog.KindInstruction:
		return "instruction"
	case cmplog.KindRoutine:
		return "routine"
	default:
		return "none"
	}
}

func viewOf(row cmplog.Capture) captureView {
	v := captureView{
		Slot:  row.Slot,
		Kind:  kindName(row.Kind),
		Width: row.Width,
	}
	switch row.Kind {
	case cmplog.KindRoutine:
		// Routine operands are byte strings.
		v.A = hex.EncodeToString(row.A[:row.Width])
		v.B = hex.EncodeToString(row.B[:row.Width])
	default:
		v.A = fmt.Sprintf("0x%x", row.ValueA())
		v.B = fmt.Sprintf("0x%x", row.ValueB())
	}
	return v
}

func (s *Server) getHealth(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getState(c *gin.Context) {
	st := s.ex.State()
	c.IndentedJSON(http.StatusOK, gin.H{
		"session":    st.Session,
		"created":    st.Created,
		"executions": st.Executions,
		"sites":      len(st.SiteMeta().Sites),
	})
}

func (s *Server) getCaptures(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("bad limit %q", raw)})
			return
		}
		limit = n
	}

	rows := s.ex.Map().Used(limit)
	views := make([]captureView, 0, len(rows))
	for _, row := range rows {
		views = append(views, viewOf(row))
	}
	c.IndentedJSON(http.StatusOK, gin.H{"count": len(views), "captures": views})
}

func (s *Server) getEnabled(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, gin.H{"enabled": cmplog.Enabled()})
}

// setEnabled flips the capture gate. The executor arms the gate for
// each run; this endpoint can drop it mid-run or re-arm it.
func (s *Server) setEnabled(c *gin.Context) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cmplog.SetEnabled(req.Enabled)
	c.IndentedJSON(http.StatusOK, gin.H{"enabled": cmplog.Enabled()})
}

// postRun executes the request body as one input and reports the
// captures it produced.
func (s *Server) postRun(c *gin.Context) {
	input, err := c.GetRawData()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	runID := uuid.NewString()

	s.mu.Lock()
	res, err := s.ex.Run(c.Request.Context(), input)
	s.mu.Unlock()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"run_id": runID, "error": err.Error()})
		return
	}

	s.logger.Debug("api run",
		zap.String("run_id", runID),
		zap.Uint64("execution", res.Execution),
		zap.Int("captures", len(res.Captures)),
	)

	views := make([]captureView, 0, len(res.Captures))
	for _, row := range res.Captures {
		views = append(views, viewOf(row))
	}
	c.IndentedJSON(http.StatusOK, gin.H{
		"run_id":     runID,
		"session":    res.Session,
		"execution":  res.Execution,
		"duration":   res.Duration.String(),
		"guest_err":  res.GuestErr,
		"sites":      res.Sites,
		"stub_calls": res.StubCalls,
		"captures":   views,
	})
}
