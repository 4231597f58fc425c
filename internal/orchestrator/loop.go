package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"inferd/internal/events"
	"inferd/internal/registry"
)

// queued is a batch FIFO entry: a job, or a model switch that arrived while
// work was in flight and applies once the entries ahead of it have drained.
type queued struct {
	job   *Job
	model string
}

// stopWait bounds how long a stop waits for the drain worker to notice cancellation.
const stopWait = 5 * time.Second

func (s *Service) loop() {
	defer close(s.loopDone)
	for {
		if s.handle(<-s.cmds) {
			return
		}
	}
}

// handle processes one command and reports whether the loop should exit.
func (s *Service) handle(c command) bool {
	switch c := c.(type) {
	case submitCmd:
		c.reply <- s.onSubmit(c.job)
	case batchCmd:
		c.reply <- s.onBatch(c.job)
	case selectCmd:
		c.reply <- s.onSelect(c.name)
	case stopCmd:
		if c.final {
			s.closing = true
		}
		s.onStop()
		c.reply <- nil
		return c.final
	case statusCmd:
		c.reply <- s.queueStatus()
	case ensureCmd:
		c.reply <- s.onEnsure(c.run)
	case jobDoneCmd:
		s.onJobDone(c)
	case serverReadyCmd:
		s.onServerReady(c.gen)
	case serverDeadCmd:
		s.onServerDead(c.gen)
	case restartCmd:
		s.onDeferredRestart(c.gen)
	case serverExitCmd:
		s.onServerExit(c.gen, c.code)
	}
	return false
}

func (s *Service) onSubmit(j *Job) error {
	if s.closing {
		return ErrShutdown
	}
	if s.active != nil {
		jobsTotal.WithLabelValues(j.Kind.String(), "rejected").Inc()
		s.log.Warn().Str("event", "submit_rejected").Str("kind", j.Kind.String()).Str("active", s.active.job.ID).Msg("")
		s.pub.Publish(events.Event{Kind: events.KindWarning, Source: "scheduler",
			Text: fmt.Sprintf("%s request ignored: job %s is still running", j.Kind, s.active.job.ID)})
		return ErrBusy(s.active.job.ID)
	}
	s.start(j)
	return nil
}

func (s *Service) onBatch(j *Job) error {
	if s.closing {
		return ErrShutdown
	}
	if s.active == nil {
		s.start(j)
		return nil
	}
	s.queue = append(s.queue, queued{job: j})
	queuedGauge.Set(float64(s.queuedJobs()))
	s.pub.Publish(events.Event{Kind: events.KindProgress, Source: "scheduler", JobID: j.ID,
		Text: fmt.Sprintf("queued %s job with %d items (position %d)", j.Kind, len(j.Requests), len(s.queue))})
	return nil
}

func (s *Service) start(j *Job) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{job: j, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	s.active = r
	busyGauge.Set(1)
	s.log.Info().Str("event", "job_start").Str("job", j.ID).Str("kind", j.Kind.String()).Int("items", len(j.Requests)).Msg("")
	s.pub.Publish(events.Event{Kind: events.KindProgress, Source: "scheduler", JobID: j.ID,
		Text: fmt.Sprintf("processing %d %s item(s)", len(j.Requests), j.Kind)})
	go s.drain(r)
}

func (s *Service) onJobDone(c jobDoneCmd) {
	if c.run != s.active {
		// canceled by a stop; its results are discarded
		return
	}
	s.active = nil
	c.run.cancel()
	j := c.run.job
	outcome := "completed"
	if c.aborted {
		outcome = "aborted"
	}
	jobsTotal.WithLabelValues(j.Kind.String(), outcome).Inc()
	s.log.Info().Str("event", "job_done").Str("job", j.ID).Int("processed", c.processed).Int("items", len(j.Requests)).Bool("aborted", c.aborted).Msg("")
	s.pub.Publish(events.Event{Kind: events.KindJobFinished, Source: "scheduler", JobID: j.ID,
		Text: fmt.Sprintf("%s job finished: %d of %d item(s) processed", j.Kind, c.processed, len(j.Requests)),
		Context: j.Context,
		Fields:  map[string]any{"kind": j.Kind.String(), "processed": c.processed, "total": len(j.Requests), "aborted": c.aborted}})
	s.advance()
}

// advance starts the next queued job, applying model switches on the way.
// With nothing left it releases the single-flight lock and reports all finished.
func (s *Service) advance() {
	for len(s.queue) > 0 {
		q := s.queue[0]
		s.queue = s.queue[1:]
		queuedGauge.Set(float64(s.queuedJobs()))
		if q.job != nil {
			s.start(q.job)
			return
		}
		if err := s.applySelect(q.model); err != nil {
			s.pub.Publish(events.Event{Kind: events.KindError, Source: "scheduler",
				Text: fmt.Sprintf("deferred model switch to %s failed: %v", q.model, err)})
		}
	}
	busyGauge.Set(0)
	s.pub.Publish(events.Event{Kind: events.KindAllFinished, Source: "scheduler", Text: "all work finished"})
}

func (s *Service) onSelect(name string) error {
	if s.closing {
		return ErrShutdown
	}
	m, err := s.reg.Lookup(name)
	if err != nil {
		return err
	}
	if cur, ok := s.reg.Selected(); ok && cur.FileName == m.FileName && s.sup.Alive() {
		s.log.Debug().Str("event", "select_noop").Str("model", m.FileName).Msg("")
		return nil
	}
	if s.active != nil {
		s.queue = append(s.queue, queued{model: m.FileName})
		s.log.Info().Str("event", "select_deferred").Str("model", m.FileName).Msg("")
		s.pub.Publish(events.Event{Kind: events.KindProgress, Source: "scheduler",
			Text: fmt.Sprintf("switch to %s deferred until queued work finishes", m.FileName)})
		return nil
	}
	return s.applySelect(m.FileName)
}

// applySelect marks the model selected. A live server is relaunched with it;
// otherwise the server stays down until the next submission.
func (s *Service) applySelect(name string) error {
	m, err := s.reg.Select(name)
	if err != nil {
		return err
	}
	s.cli.SetModel(m.FileName)
	s.log.Info().Str("event", "select").Str("model", m.FileName).Msg("")
	if s.sup.Alive() {
		return s.launch(m, s.debugLaunch(), "model_switch")
	}
	s.stopMonitor()
	if err := s.sup.Stop(true); err != nil {
		s.log.Warn().Str("event", "stop_failed").Err(err).Msg("")
	}
	s.pub.Publish(events.Event{Kind: events.KindProgress, Source: "scheduler",
		Text: fmt.Sprintf("selected %s; it loads with the next request", m.FileName)})
	return nil
}

func (s *Service) onEnsure(r *run) error {
	if s.closing {
		return ErrShutdown
	}
	if r != s.active {
		return context.Canceled
	}
	if s.sup.Alive() {
		return nil
	}
	m, err := s.reg.Resolve(s.opts.DefaultModel)
	if err != nil {
		return err
	}
	s.cli.SetModel(m.FileName)
	return s.launch(m, r.job.Debug, "")
}

// launch detects the backend and (re)starts the server. reason labels
// relaunches in metrics; first launches pass "".
func (s *Service) launch(m registry.Model, debug bool, reason string) error {
	kind := s.det.Detect(context.Background(), s.opts.BackendPreference)
	s.stopMonitor()
	if err := s.sup.Launch(context.Background(), m, kind, debug); err != nil {
		return err
	}
	if reason != "" {
		restartsTotal.WithLabelValues(reason).Inc()
	}
	return nil
}

func (s *Service) onServerReady(gen uint64) {
	if s.closing || gen != s.sup.Info().Generation {
		return
	}
	s.stopMonitor()
	s.monitor = s.mons(gen, func(g uint64) { s.post(serverDeadCmd{gen: g}) })
	s.monitorGen = gen
	s.monitor.Start()
}

func (s *Service) onServerDead(gen uint64) {
	if s.closing || s.monitor == nil || gen != s.monitorGen {
		return
	}
	s.stopMonitor()
	s.log.Error().Str("event", "server_unresponsive").Uint64("gen", gen).Msg("")
	r := s.restarts.Reserve()
	if d := r.Delay(); d > 0 {
		s.log.Warn().Str("event", "restart_deferred").Uint64("gen", gen).Dur("delay", d).Msg("")
		s.pub.Publish(events.Event{Kind: events.KindError, Source: "scheduler",
			Text:   fmt.Sprintf("inference server unresponsive; restart deferred for %s after a recent restart", d.Round(time.Millisecond)),
			Fields: map[string]any{"generation": gen, "delay_ms": d.Milliseconds()}})
		s.cancelPendingRestart()
		s.pending = time.AfterFunc(d, func() { s.post(restartCmd{gen: gen}) })
		return
	}
	s.pub.Publish(events.Event{Kind: events.KindError, Source: "scheduler",
		Text: "inference server unresponsive; restarting"})
	s.restart()
}

// onDeferredRestart runs a restart the limiter postponed, unless the server
// has since been relaunched or stopped.
func (s *Service) onDeferredRestart(gen uint64) {
	s.pending = nil
	if s.closing || !s.sup.Alive() || gen != s.sup.Info().Generation {
		s.log.Debug().Str("event", "restart_skipped").Uint64("gen", gen).Msg("")
		return
	}
	s.pub.Publish(events.Event{Kind: events.KindProgress, Source: "scheduler",
		Text: "restarting unresponsive inference server"})
	s.restart()
}

func (s *Service) restart() {
	m, err := s.reg.Resolve(s.opts.DefaultModel)
	if err == nil {
		err = s.launch(m, s.debugLaunch(), "unresponsive")
	}
	if err != nil {
		s.log.Error().Str("event", "restart_failed").Err(err).Msg("")
	}
}

// debugLaunch reports whether a relaunch should mirror server output to the
// debug log: it follows the active job, or the next queued one.
func (s *Service) debugLaunch() bool {
	if s.active != nil {
		return s.active.job.Debug
	}
	for _, q := range s.queue {
		if q.job != nil {
			return q.job.Debug
		}
	}
	return false
}

func (s *Service) cancelPendingRestart() {
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
}

func (s *Service) onServerExit(gen uint64, code int) {
	s.log.Warn().Str("event", "server_exit").Uint64("gen", gen).Int("code", code).Msg("")
	if gen == s.monitorGen {
		s.stopMonitor()
	}
}

func (s *Service) onStop() {
	for _, q := range s.queue {
		if q.job != nil {
			jobsTotal.WithLabelValues(q.job.Kind.String(), "canceled").Inc()
		}
	}
	s.queue = nil
	s.cancelPendingRestart()
	if r := s.active; r != nil {
		r.cancel()
		select {
		case <-r.done:
		case <-time.After(stopWait):
			s.log.Warn().Str("event", "worker_slow_stop").Str("job", r.job.ID).Msg("")
		}
		s.active = nil
		jobsTotal.WithLabelValues(r.job.Kind.String(), "canceled").Inc()
	}
	s.stopMonitor()
	if err := s.sup.Stop(true); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn().Str("event", "stop_failed").Err(err).Msg("")
	}
	busyGauge.Set(0)
	queuedGauge.Set(0)
	s.log.Info().Str("event", "stopped").Bool("final", s.closing).Msg("")
}

func (s *Service) stopMonitor() {
	if s.monitor == nil {
		return
	}
	s.monitor.Stop()
	s.monitor = nil
	s.monitorGen = 0
}

func (s *Service) queuedJobs() int {
	n := 0
	for _, q := range s.queue {
		if q.job != nil {
			n++
		}
	}
	return n
}

func (s *Service) pendingModel() string {
	for i := len(s.queue) - 1; i >= 0; i-- {
		if s.queue[i].job == nil {
			return s.queue[i].model
		}
	}
	return ""
}
