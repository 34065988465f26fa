package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"covidwatch/internal/dataset"
	"covidwatch/internal/storage"
	"covidwatch/internal/task/engine"
	"covidwatch/internal/task/scheduler"
	logx "covidwatch/pkg/logx"
)

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) getSummary(c *gin.Context) {
	c.JSON(http.StatusOK, s.dash.Snapshot())
}

type updatesResponse struct {
	Updates []scheduler.DisplayEntry `json:"updates"`
	Jobs    []scheduler.UpdateJob    `json:"jobs"`
}

// listUpdates drops display rows whose job already fired or was cancelled.
func (s *Server) listUpdates(c *gin.Context) {
	s.mu.Lock()
	s.display = s.sched.Reconcile(s.display)
	rows := append([]scheduler.DisplayEntry{}, s.display...)
	s.mu.Unlock()
	c.JSON(http.StatusOK, updatesResponse{Updates: rows, Jobs: s.sched.Jobs()})
}

// createRequest mirrors the update form. Datasets, when set, is a selector
// such as "covid,news"; otherwise the Covid and News ticks are used.
type createRequest struct {
	Time     string `json:"time"`
	Label    string `json:"label"`
	Repeat   bool   `json:"repeat"`
	Covid    bool   `json:"covid"`
	News     bool   `json:"news"`
	Datasets string `json:"datasets"`
}

func (r createRequest) kinds() (dataset.Set, error) {
	if strings.TrimSpace(r.Datasets) != "" {
		return dataset.ParseSet(r.Datasets)
	}
	set := dataset.NewSet()
	if r.Covid {
		set.Add(dataset.Local)
		set.Add(dataset.National)
	}
	if r.News {
		set.Add(dataset.News)
	}
	return set, nil
}

func (s *Server) createUpdate(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	kinds, err := req.kinds()
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	job, err := s.sched.Schedule(req.Time, req.Label, kinds, req.Repeat)
	s.audit(c, "schedule", req.Label, err, map[string]any{"time": req.Time, "repeat": req.Repeat, "datasets": kinds})
	if err != nil {
		c.JSON(scheduleStatus(err), errorBody{Error: err.Error()})
		return
	}

	s.mu.Lock()
	s.display = removeEntry(s.display, job.Label)
	s.display = append(s.display, scheduler.Describe(job))
	s.mu.Unlock()

	c.JSON(http.StatusCreated, job)
}

func scheduleStatus(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrInvalidTimeFormat), errors.Is(err, scheduler.ErrNoDatasets):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrEngineUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) cancelUpdate(c *gin.Context) {
	label := strings.TrimSpace(c.Param("label"))
	ok := s.sched.Cancel(label)

	s.mu.Lock()
	s.display = removeEntry(s.display, label)
	s.mu.Unlock()

	if !ok {
		s.audit(c, "cancel", label, errors.New("not scheduled"), nil)
		c.JSON(http.StatusNotFound, errorBody{Error: "no update scheduled with that label"})
		return
	}
	s.audit(c, "cancel", label, nil, nil)
	c.Status(http.StatusNoContent)
}

func removeEntry(rows []scheduler.DisplayEntry, label string) []scheduler.DisplayEntry {
	out := rows[:0]
	for _, r := range rows {
		if r.Title != label {
			out = append(out, r)
		}
	}
	return out
}

func (s *Server) removeArticle(c *gin.Context) {
	title := strings.TrimSpace(c.Query("title"))
	if title == "" {
		c.JSON(http.StatusBadRequest, errorBody{Error: "title is required"})
		return
	}
	if !s.dash.RemoveArticle(c.Request.Context(), title) {
		c.JSON(http.StatusNotFound, errorBody{Error: "article already removed"})
		return
	}
	s.audit(c, "remove_article", title, nil, nil)
	c.Status(http.StatusNoContent)
}

// refreshNow queues a refresh of every dataset on the engine. Concurrent
// requests collapse into the one already queued or running.
func (s *Server) refreshNow(c *gin.Context) {
	if s.eng == nil {
		c.JSON(http.StatusServiceUnavailable, errorBody{Error: engine.ErrDisabled.Error()})
		return
	}
	dash := s.dash
	log := s.log
	err := s.eng.Enqueue(engine.Task{
		Name:  "refresh:all",
		State: &s.refreshState,
		Opt:   engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning},
		Run: func(ctx context.Context) error {
			if err := dash.RefreshSet(ctx, dataset.NewSet(dataset.All...)); err != nil {
				log.Warn("refresh failed", logx.Err(err))
				return engine.NoRetry(err)
			}
			return nil
		},
	})
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
	case errors.Is(err, engine.ErrOverlapSkip):
		c.JSON(http.StatusConflict, errorBody{Error: "refresh already in progress"})
	default:
		c.JSON(http.StatusServiceUnavailable, errorBody{Error: err.Error()})
	}
}

func (s *Server) engineStatus(c *gin.Context) {
	if s.eng == nil {
		c.JSON(http.StatusServiceUnavailable, errorBody{Error: engine.ErrDisabled.Error()})
		return
	}
	c.JSON(http.StatusOK, s.eng.Snapshot())
}

func (s *Server) audit(c *gin.Context, action, target string, err error, meta map[string]any) {
	e := storage.AuditEntry{
		At:     s.now(),
		Actor:  c.ClientIP(),
		Action: action,
		Target: target,
		OK:     err == nil,
	}
	if err != nil {
		e.Error = err.Error()
	}
	if len(meta) > 0 {
		if b, mErr := json.Marshal(meta); mErr == nil {
			e.MetaJSON = string(b)
		}
	}
	s.dash.Audit(c.Request.Context(), e)
}
