package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"inferd/internal/events"
	"inferd/internal/inference"
	"inferd/internal/supervisor"
)

// failedRequest is sanitized into the fallback result for items whose request failed.
const failedRequest = "inference request failed"

// drain is the worker goroutine for one job. It dispatches items strictly in
// order, one request at a time, and always reports back with jobDoneCmd.
func (s *Service) drain(r *run) {
	processed, aborted := 0, false
	defer func() {
		if p := recover(); p != nil {
			s.log.Error().Str("event", "worker_panic").Str("job", r.job.ID).Interface("panic", p).Msg("")
			s.pub.Publish(events.Event{Kind: events.KindError, Source: "scheduler", JobID: r.job.ID,
				Text: "internal error while processing job"})
			aborted = true
		}
		close(r.done)
		s.post(jobDoneCmd{run: r, processed: processed, aborted: aborted})
	}()

	j := r.job
	if len(j.Requests) == 0 {
		return
	}
	if err := s.ensure(r); err != nil {
		if r.ctx.Err() == nil {
			s.pub.Publish(events.Event{Kind: events.KindError, Source: "scheduler", JobID: j.ID,
				Text: fmt.Sprintf("cannot start inference server: %v", err)})
			aborted = true
		}
		return
	}
	for i, req := range j.Requests {
		if r.ctx.Err() != nil {
			return
		}
		if !s.sup.Alive() {
			s.abandon(j, i, errors.New("inference server is not running"))
			aborted = true
			return
		}
		if err := s.waitReady(r.ctx); err != nil {
			if r.ctx.Err() != nil {
				return
			}
			s.abandon(j, i, err)
			aborted = true
			return
		}
		if j.Debug {
			s.debug.Info().Str("job", j.ID).Int("index", i).Interface("messages", req).Msg("request")
		}
		raw, ok := s.cli.ChatComplete(r.ctx, j.Kind.mode(), req, inference.Params{JobID: j.ID, Index: i})
		if r.ctx.Err() != nil {
			return
		}
		if j.Debug {
			s.debug.Info().Str("job", j.ID).Int("index", i).Bool("ok", ok).Str("raw", raw).Msg("response")
		}
		s.emit(j, i, raw, ok)
		processed++
	}
}

func (s *Service) ensure(r *run) error {
	reply := make(chan error, 1)
	c := ensureCmd{run: r, reply: reply}
	select {
	case s.cmds <- c:
	case <-s.loopDone:
		return ErrShutdown
	case <-r.ctx.Done():
		return r.ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-s.loopDone:
		return ErrShutdown
	case <-r.ctx.Done():
		return r.ctx.Err()
	}
}

func (s *Service) waitReady(ctx context.Context) error {
	wctx, cancel := context.WithTimeout(ctx, s.opts.DispatchWait)
	defer cancel()
	err := s.sup.WaitReady(wctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("inference server not ready within %s", s.opts.DispatchWait)
	case errors.Is(err, supervisor.ErrExited), errors.Is(err, supervisor.ErrNotRunning):
		return fmt.Errorf("inference server stopped while waiting for readiness")
	}
	return err
}

func (s *Service) abandon(j *Job, index int, cause error) {
	left := len(j.Requests) - index
	s.log.Error().Str("event", "job_abandoned").Str("job", j.ID).Int("index", index).Int("remaining", left).Err(cause).Msg("")
	s.pub.Publish(events.Event{Kind: events.KindError, Source: "scheduler", JobID: j.ID, Index: index,
		Text:   fmt.Sprintf("%v; abandoning %d remaining item(s)", cause, left),
		Fields: map[string]any{"remaining": left}})
}

// emit publishes the outcome of one item. Filter and analysis items always
// produce a result; failed requests carry the fallback verdict.
func (s *Service) emit(j *Job, index int, raw string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "fallback"
	}
	itemsTotal.WithLabelValues(j.Kind.String(), outcome).Inc()
	if j.Kind == KindChat {
		if ok {
			s.pub.Publish(events.Event{Kind: events.KindChatReply, Source: "scheduler", JobID: j.ID, Index: index, Text: raw})
		}
		return
	}
	if !ok {
		raw = failedRequest
	}
	s.pub.Publish(events.Event{Kind: events.KindResult, Source: "scheduler", JobID: j.ID, Index: index,
		Text:    inference.SanitizeResponse(raw),
		Context: j.Context,
		Fields:  map[string]any{"kind": j.Kind.String()}})
}
