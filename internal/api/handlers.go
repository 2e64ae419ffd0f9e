package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"penny/internal/recurring"
	"penny/internal/storage"
	"penny/internal/task/engine"
	logx "penny/pkg/logx"
)

func (s *Server) health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if s.deps.Driver != nil {
		body["driver"] = s.deps.Driver.State().String()
		if last, ok := s.deps.Driver.LastTick(); ok {
			body["lastTick"] = last
		}
	}
	if err := s.deps.Store.Ping(c.Request.Context()); err != nil {
		body["status"] = "degraded"
		body["storage"] = err.Error()
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": CodeUnavailable, "data": body})
		return
	}
	ok(c, http.StatusOK, body)
}

func (s *Server) due(c *gin.Context) {
	now := s.deps.Now()
	due, err := s.deps.Store.DueTemplates(c.Request.Context(), now)
	if err != nil {
		s.internal(c, "select due templates", err)
		return
	}
	if due == nil {
		due = []recurring.DueTemplate{}
	}
	ok(c, http.StatusOK, gin.H{"now": now, "count": len(due), "templates": due})
}

func (s *Server) previewAll(c *gin.Context) {
	sum, err := recurring.BuildPreview(c.Request.Context(), s.deps.Store, s.deps.Now())
	if err != nil {
		s.internal(c, "build preview", err)
		return
	}
	ok(c, http.StatusOK, sum)
}

func (s *Server) previewOne(c *gin.Context) {
	t, found := s.template(c)
	if !found {
		return
	}
	ok(c, http.StatusOK, recurring.PreviewTemplate(t, s.deps.Now()))
}

func (s *Server) tick(c *gin.Context) {
	if s.deps.Driver == nil {
		fail(c, http.StatusServiceUnavailable, CodeUnavailable, "driver not configured")
		return
	}
	start := time.Now()
	rep, err := s.deps.Driver.Tick(c.Request.Context())
	s.record(c.Request.Context(), "tick", "", "", start, rep, err)
	switch {
	case errors.Is(err, recurring.ErrTickInProgress):
		fail(c, http.StatusConflict, CodeConflict, err.Error())
	case err != nil:
		s.internal(c, "tick", err)
	default:
		ok(c, http.StatusOK, rep)
	}
}

func (s *Server) catchUp(c *gin.Context) {
	if s.deps.Dispatcher == nil {
		fail(c, http.StatusServiceUnavailable, CodeUnavailable, "dispatcher not configured")
		return
	}
	t, found := s.template(c)
	if !found {
		return
	}
	job := recurring.Job{TemplateID: t.ID, UserID: t.UserID}
	start := time.Now()
	err := s.deps.Dispatcher.Dispatch(c.Request.Context(), job)
	s.record(c.Request.Context(), "catchup", t.ID, t.UserID, start, job, err)
	switch {
	case errors.Is(err, engine.ErrOverlapSkip):
		fail(c, http.StatusConflict, CodeConflict, "catch-up already queued or running")
	case errors.Is(err, engine.ErrQueueFull), errors.Is(err, engine.ErrStopped),
		errors.Is(err, engine.ErrStopping), errors.Is(err, engine.ErrDisabled):
		fail(c, http.StatusServiceUnavailable, CodeUnavailable, err.Error())
	case err != nil:
		s.internal(c, "dispatch", err)
	default:
		ok(c, http.StatusAccepted, gin.H{"job": job})
	}
}

func (s *Server) engineSnapshot(c *gin.Context) {
	if s.deps.Engine == nil {
		fail(c, http.StatusServiceUnavailable, CodeUnavailable, "engine not configured")
		return
	}
	ok(c, http.StatusOK, s.deps.Engine.Snapshot())
}

func (s *Server) schedulerSnapshot(c *gin.Context) {
	if s.deps.Scheduler == nil {
		fail(c, http.StatusServiceUnavailable, CodeUnavailable, "scheduler not configured")
		return
	}
	ok(c, http.StatusOK, s.deps.Scheduler.Snapshot())
}

func (s *Server) notifierHistory(c *gin.Context) {
	if s.deps.Notifier == nil {
		fail(c, http.StatusServiceUnavailable, CodeUnavailable, "notifier not configured")
		return
	}
	ok(c, http.StatusOK, s.deps.Notifier.History())
}

func (s *Server) deadLetters(c *gin.Context) {
	limit, valid := limitParam(c, 50)
	if !valid {
		return
	}
	dls, err := s.deps.Store.DeadLetters(c.Request.Context(), limit)
	if err != nil {
		s.internal(c, "list dead letters", err)
		return
	}
	if dls == nil {
		dls = []storage.DeadLetter{}
	}
	ok(c, http.StatusOK, dls)
}

func (s *Server) audit(c *gin.Context) {
	limit, valid := limitParam(c, 50)
	if !valid {
		return
	}
	entries, err := s.deps.Store.RecentAudit(c.Request.Context(), limit)
	if err != nil {
		s.internal(c, "list audit", err)
		return
	}
	if entries == nil {
		entries = []storage.AuditEntry{}
	}
	ok(c, http.StatusOK, entries)
}

// template loads :id and answers 404 itself when it is missing.
func (s *Server) template(c *gin.Context) (recurring.Template, bool) {
	id := strings.TrimSpace(c.Param("id"))
	t, err := s.deps.Store.Template(c.Request.Context(), id)
	switch {
	case errors.Is(err, recurring.ErrNotFound):
		fail(c, http.StatusNotFound, CodeNotFound, "recurring template not found")
		return recurring.Template{}, false
	case err != nil:
		s.internal(c, "read template", err)
		return recurring.Template{}, false
	}
	return t, true
}

func (s *Server) internal(c *gin.Context, op string, err error) {
	logx.FromContext(c.Request.Context(), s.log).Error(op+" failed", logx.String("path", c.FullPath()), logx.Err(err))
	fail(c, http.StatusInternalServerError, CodeServerErr, op+" failed")
}

func (s *Server) record(ctx context.Context, action, target, userID string, start time.Time, meta any, err error) {
	e := storage.AuditEntry{
		At:     start,
		Actor:  "api",
		Action: action,
		Target: target,
		UserID: userID,
		OK:     err == nil,
		TookMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	if b, jerr := json.Marshal(meta); jerr == nil {
		e.MetaJSON = string(b)
	}
	if aerr := s.deps.Store.AppendAudit(context.WithoutCancel(ctx), e); aerr != nil {
		logx.FromContext(ctx, s.log).Warn("audit append failed", logx.String("action", action), logx.Err(aerr))
	}
}

func (s *Server) runtime(c *gin.Context) {
	if s.deps.Runtime == nil {
		fail(c, http.StatusServiceUnavailable, CodeUnavailable, "runtime view not configured")
		return
	}
	ok(c, http.StatusOK, s.deps.Runtime())
}
