package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"time"

	"taskpilot/internal/eventbus"
	"taskpilot/internal/scheduler"
	"taskpilot/pkg/logx"
)

var ErrDisabled = errors.New("subsystem disabled")

func (s *Service) routes(mux *http.ServeMux, cur Config) {
	if s.deps.Bus != nil {
		wh := eventbus.NewWebhook(s.deps.Bus, s.log, cur.MaxBodyBytes)
		mux.Handle("/webhook/", rateLimited(cur.WebhookRateLimit, cur.WebhookBurst, wh))
	}

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}
	mux.HandleFunc("GET /api/status", s.handleStatus)
	if cur.Pprof {
		mux.HandleFunc("GET /debug/pprof/", hpprof.Index)
		mux.HandleFunc("GET /debug/pprof/cmdline", hpprof.Cmdline)
		mux.HandleFunc("GET /debug/pprof/profile", hpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		mux.HandleFunc("GET /debug/pprof/trace", hpprof.Trace)
	}

	mux.HandleFunc("GET /api/tasks", s.handleTasks)
	mux.HandleFunc("GET /api/tasks/{name}", s.handleTask)
	mux.HandleFunc("GET /api/tasks/{name}/history", s.handleTaskHistory)
	mux.HandleFunc("POST /api/tasks/{name}/run", s.handleTaskRun)
	mux.HandleFunc("POST /api/scheduler/toggle", s.handleSchedulerToggle)

	mux.HandleFunc("GET /api/events/history", s.handleEventHistory)
	mux.HandleFunc("DELETE /api/events/history", s.handleEventClear)
	mux.HandleFunc("GET /api/events/active", s.handleEventsActive)

	mux.HandleFunc("GET /api/autonomous/status", s.handleLoopStatus)
	mux.HandleFunc("GET /api/autonomous/checks/{name}", s.handleLoopCheck)
	mux.HandleFunc("POST /api/autonomous/toggle", s.handleLoopToggle)
	mux.HandleFunc("POST /api/autonomous/run", s.handleLoopRun)
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{
		"uptimeMs": time.Since(s.started).Milliseconds(),
	}
	if sc := s.deps.Scheduler; sc != nil {
		out["scheduler"] = map[string]any{"running": sc.Running(), "tasks": len(sc.ListTasks())}
	}
	if l := s.deps.Loop; l != nil {
		st := l.Status()
		out["autonomous"] = map[string]any{"running": st.Running, "interval": st.Interval, "checks": len(st.Checks), "stats": st.Stats}
	}
	if b := s.deps.Bus; b != nil {
		st := b.Stats()
		out["eventbus"] = map[string]any{"totalEvents": st.TotalEvents, "uniqueEvents": st.UniqueEvents}
	}
	if s.deps.Workers != nil {
		out["workers"] = s.deps.Workers()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) schedOr503(w http.ResponseWriter) *scheduler.Scheduler {
	if s.deps.Scheduler == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("scheduler: "+ErrDisabled.Error()))
	}
	return s.deps.Scheduler
}

func (s *Service) handleTasks(w http.ResponseWriter, _ *http.Request) {
	sc := s.schedOr503(w)
	if sc == nil {
		return
	}
	tasks := sc.ListTasks()
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks), "running": sc.Running()})
}

func (s *Service) handleTask(w http.ResponseWriter, r *http.Request) {
	sc := s.schedOr503(w)
	if sc == nil {
		return
	}
	d, ok := sc.GetTask(r.Context(), r.PathValue("name"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody("task not found"))
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Service) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	sc := s.schedOr503(w)
	if sc == nil {
		return
	}
	name := r.PathValue("name")
	limit, err := queryLimit(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	recs, err := sc.History(r.Context(), name, limit)
	if err != nil {
		s.log.Error("task history failed", logx.String("task", name), logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
		return
	}
	stats, err := sc.Stats(r.Context(), name)
	if err != nil {
		s.log.Error("task stats failed", logx.String("task", name), logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": recs, "stats": stats})
}

func (s *Service) handleTaskRun(w http.ResponseWriter, r *http.Request) {
	sc := s.schedOr503(w)
	if sc == nil {
		return
	}
	name := r.PathValue("name")
	err := sc.RunTask(r.Context(), name)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "task": name})
	case errors.Is(err, scheduler.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody(err.Error()))
	case errors.Is(err, scheduler.ErrOverlapSkip):
		writeJSON(w, http.StatusConflict, errorBody(err.Error()))
	case errors.Is(err, scheduler.ErrStopping):
		writeJSON(w, http.StatusServiceUnavailable, errorBody(err.Error()))
	default:
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "task": name, "error": err.Error()})
	}
}

func (s *Service) handleSchedulerToggle(w http.ResponseWriter, r *http.Request) {
	sc := s.schedOr503(w)
	if sc == nil {
		return
	}
	if sc.Running() {
		if err := sc.Stop(r.Context()); err != nil {
			writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
			return
		}
	} else {
		sc.Start(s.baseContext())
	}
	running := sc.Running()
	s.log.Info("scheduler toggled", logx.Bool("running", running))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "running": running})
}

func (s *Service) busOr503(w http.ResponseWriter) *eventbus.Bus {
	if s.deps.Bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("eventbus: "+ErrDisabled.Error()))
	}
	return s.deps.Bus
}

func (s *Service) handleEventHistory(w http.ResponseWriter, r *http.Request) {
	b := s.busOr503(w)
	if b == nil {
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"history": b.History(r.URL.Query().Get("event"), limit),
		"stats":   b.Stats(),
	})
}

func (s *Service) handleEventClear(w http.ResponseWriter, _ *http.Request) {
	b := s.busOr503(w)
	if b == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "cleared": b.ClearHistory()})
}

func (s *Service) handleEventsActive(w http.ResponseWriter, _ *http.Request) {
	b := s.busOr503(w)
	if b == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": b.ActiveEvents()})
}

func (s *Service) loopOr503(w http.ResponseWriter) bool {
	if s.deps.Loop == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("autonomous loop: "+ErrDisabled.Error()))
		return false
	}
	return true
}

func (s *Service) handleLoopStatus(w http.ResponseWriter, _ *http.Request) {
	if !s.loopOr503(w) {
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Loop.Status())
}

func (s *Service) handleLoopCheck(w http.ResponseWriter, r *http.Request) {
	if !s.loopOr503(w) {
		return
	}
	st, ok := s.deps.Loop.CheckStats(r.PathValue("name"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody("check not found"))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Service) handleLoopToggle(w http.ResponseWriter, _ *http.Request) {
	if !s.loopOr503(w) {
		return
	}
	l := s.deps.Loop
	if l.Running() {
		l.Stop()
	} else {
		l.Start(s.baseContext())
	}
	running := l.Running()
	s.log.Info("autonomous loop toggled", logx.Bool("running", running))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "running": running})
}

func (s *Service) handleLoopRun(w http.ResponseWriter, r *http.Request) {
	if !s.loopOr503(w) {
		return
	}
	s.deps.Loop.RunNow(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

func errorBody(msg string) map[string]any {
	return map[string]any{"success": false, "error": msg}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
