package server

import (
	"bytes"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/scrypster/entityres/internal/clarify"
	"github.com/scrypster/entityres/internal/feedback"
	"github.com/scrypster/entityres/internal/report"
	"github.com/scrypster/entityres/internal/service"
	"github.com/scrypster/entityres/pkg/types"
)

const (
	defaultAmbiguousBelow = 0.5
	defaultListLimit      = 50
	maxListLimit          = 500
)

func (s *Server) routes(g *gin.RouterGroup) {
	g.POST("/resolve", s.resolve)

	g.GET("/sessions/:id", s.getSession)
	g.POST("/sessions/:id/choice", s.submitChoice)
	g.POST("/sessions/:id/abandon", s.abandonSession)

	g.POST("/entities", s.registerEntity)
	g.GET("/entities/:id", s.getEntity)
	g.GET("/entities/:id/history", s.confidenceHistory)
	g.GET("/entities/:id/events", s.entityEvents)
	g.POST("/entities/:id/bindings", s.bindSource)
	g.POST("/entities/:id/archive", s.archiveEntity)
	g.POST("/entities/:id/rename", s.renameEntity)
	g.POST("/entities/:id/confidence", s.overrideConfidence)

	g.GET("/sources/:system/:source_id", s.findBySource)
	g.GET("/ambiguous", s.listAmbiguous)

	g.GET("/events/:id", s.getEvent)
	g.POST("/events/:id/feedback", s.recordFeedback)

	g.POST("/reindex", s.reindex)
}

type resolveBody struct {
	QueryText     string        `json:"query_text" binding:"required"`
	EntityType    string        `json:"entity_type" binding:"omitempty,entitytype"`
	AuxSignals    types.Signals `json:"aux_signals"`
	CallerContext string        `json:"caller_context"`
}

func (s *Server) resolve(c *gin.Context) {
	var body resolveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.bindFailed(c, err)
		return
	}
	out, err := s.svc.Resolve(c.Request.Context(), service.ResolveRequest{
		Query:         body.QueryText,
		EntityType:    body.EntityType,
		Signals:       body.AuxSignals,
		CallerContext: body.CallerContext,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getSession(c *gin.Context) {
	sess, err := s.svc.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

type choiceBody struct {
	EntityID   string `json:"entity_id"`
	NewEntity  bool   `json:"new_entity"`
	EntityType string `json:"entity_type" binding:"omitempty,entitytype"`
}

func (s *Server) submitChoice(c *gin.Context) {
	var body choiceBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.bindFailed(c, err)
		return
	}
	choice := clarify.Choice{EntityID: body.EntityID, NewEntity: body.NewEntity}
	if body.EntityType != "" {
		t, err := types.ParseEntityType(body.EntityType)
		if err != nil {
			s.fail(c, err)
			return
		}
		choice.EntityType = &t
	}
	ev, err := s.svc.SubmitClarification(c.Request.Context(), c.Param("id"), choice)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

func (s *Server) abandonSession(c *gin.Context) {
	sess, err := s.svc.AbandonClarification(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

type registerBody struct {
	CanonicalName string               `json:"canonical_name" binding:"required"`
	EntityType    string               `json:"entity_type" binding:"required,entitytype"`
	SourceBinding *types.SourceBinding `json:"source_binding"`
	Aliases       []string             `json:"aliases"`
	Metadata      types.Signals        `json:"metadata"`
	Confidence    *float64             `json:"confidence" binding:"omitempty,gte=0,lte=1"`
}

type registerResponse struct {
	Entity  *types.CanonicalEntity `json:"entity"`
	Created bool                   `json:"created"`
}

func (s *Server) registerEntity(c *gin.Context) {
	var body registerBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.bindFailed(c, err)
		return
	}
	e, created, err := s.svc.RegisterEntity(c.Request.Context(), service.RegisterRequest{
		CanonicalName: body.CanonicalName,
		EntityType:    body.EntityType,
		Binding:       body.SourceBinding,
		Aliases:       body.Aliases,
		Metadata:      body.Metadata,
		Confidence:    body.Confidence,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, registerResponse{Entity: e, Created: created})
}

func (s *Server) getEntity(c *gin.Context) {
	e, err := s.svc.GetEntity(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (s *Server) confidenceHistory(c *gin.Context) {
	changes, err := s.svc.ConfidenceHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changes": changes})
}

func (s *Server) entityEvents(c *gin.Context) {
	limit, ok := s.limit(c)
	if !ok {
		return
	}
	evs, err := s.svc.EntityEvents(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}

type bindingBody struct {
	System   string `json:"system" binding:"required"`
	SourceID string `json:"source_id" binding:"required"`
}

func (s *Server) bindSource(c *gin.Context) {
	var body bindingBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.bindFailed(c, err)
		return
	}
	e, err := s.svc.BindSource(c.Request.Context(), c.Param("id"), types.SourceBinding{System: body.System, SourceID: body.SourceID})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (s *Server) archiveEntity(c *gin.Context) {
	e, err := s.svc.ArchiveEntity(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

type renameBody struct {
	CanonicalName string `json:"canonical_name" binding:"required"`
}

func (s *Server) renameEntity(c *gin.Context) {
	var body renameBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.bindFailed(c, err)
		return
	}
	e, err := s.svc.RenameEntity(c.Request.Context(), c.Param("id"), body.CanonicalName)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

type confidenceBody struct {
	Confidence *float64 `json:"confidence" binding:"required,gte=0,lte=1"`
	Reason     string   `json:"reason"`
}

func (s *Server) overrideConfidence(c *gin.Context) {
	var body confidenceBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.bindFailed(c, err)
		return
	}
	e, err := s.svc.OverrideConfidence(c.Request.Context(), c.Param("id"), *body.Confidence, body.Reason)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (s *Server) findBySource(c *gin.Context) {
	e, err := s.svc.FindBySource(c.Request.Context(), types.SourceBinding{
		System:   c.Param("system"),
		SourceID: c.Param("source_id"),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (s *Server) listAmbiguous(c *gin.Context) {
	below := defaultAmbiguousBelow
	if raw := c.Query("below"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: "below must be a number", Code: "INVALID_INPUT"})
			return
		}
		below = v
	}
	limit, ok := s.limit(c)
	if !ok {
		return
	}
	es, err := s.svc.ListAmbiguous(c.Request.Context(), below, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	if c.Query("format") == "xlsx" {
		var buf bytes.Buffer
		if err := report.WriteEntitiesXLSX(&buf, es); err != nil {
			s.fail(c, err)
			return
		}
		c.Header("Content-Disposition", `attachment; filename="ambiguous.xlsx"`)
		c.Data(http.StatusOK, report.ContentTypeXLSX, buf.Bytes())
		return
	}
	c.JSON(http.StatusOK, gin.H{"entities": es})
}

func (s *Server) getEvent(c *gin.Context) {
	ev, err := s.svc.GetEvent(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

type feedbackBody struct {
	Outcome    string `json:"outcome" binding:"required,oneof=confirmed rejected new_entity"`
	EntityType string `json:"entity_type" binding:"omitempty,entitytype"`
}

type feedbackResponse struct {
	Entity  *types.CanonicalEntity `json:"entity"`
	Created bool                   `json:"created"`
	Changed bool                   `json:"changed"`
}

func (s *Server) recordFeedback(c *gin.Context) {
	var body feedbackBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.bindFailed(c, err)
		return
	}
	outcome, err := feedback.ParseOutcome(body.Outcome)
	if err != nil {
		s.fail(c, err)
		return
	}
	var typ *types.EntityType
	if body.EntityType != "" {
		t, err := types.ParseEntityType(body.EntityType)
		if err != nil {
			s.fail(c, err)
			return
		}
		typ = &t
	}
	res, err := s.svc.RecordFeedback(c.Request.Context(), c.Param("id"), outcome, typ)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, feedbackResponse{Entity: res.Entity, Created: res.Created, Changed: res.Changed})
}

func (s *Server) reindex(c *gin.Context) {
	n, err := s.svc.Reindex(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"indexed": n})
}

// limit parses the optional limit query parameter.
func (s *Server) limit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxListLimit {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: "limit must be between 1 and 500", Code: "INVALID_INPUT"})
		return 0, false
	}
	return n, true
}
