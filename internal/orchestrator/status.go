package orchestrator

import (
	"context"

	"inferd/internal/resources"
	"inferd/internal/supervisor"
)

type queueStatus struct {
	busy         bool
	activeJob    string
	activeKind   string
	queuedJobs   int
	pendingModel string
}

func (s *Service) queueStatus() queueStatus {
	q := queueStatus{queuedJobs: s.queuedJobs(), pendingModel: s.pendingModel()}
	if s.active != nil {
		q.busy = true
		q.activeJob = s.active.job.ID
		q.activeKind = s.active.job.Kind.String()
	}
	return q
}

// Status is the combined view of server, queue and resources.
type Status struct {
	Server        supervisor.Info    `json:"server"`
	SelectedModel string             `json:"selected_model,omitempty"`
	HasModel      bool               `json:"has_model"`
	Busy          bool               `json:"busy"`
	ActiveJob     string             `json:"active_job,omitempty"`
	ActiveKind    string             `json:"active_kind,omitempty"`
	QueuedJobs    int                `json:"queued_jobs"`
	PendingModel  string             `json:"pending_model,omitempty"`
	Resources     resources.Snapshot `json:"resources"`
}

// Status samples the current state. Resource sampling blocks for the
// collector's CPU window.
func (s *Service) Status(ctx context.Context) (Status, error) {
	reply := make(chan queueStatus, 1)
	select {
	case s.cmds <- statusCmd{reply: reply}:
	case <-s.loopDone:
		return Status{}, ErrShutdown
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
	var q queueStatus
	select {
	case q = <-reply:
	case <-s.loopDone:
		return Status{}, ErrShutdown
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
	info := s.sup.Info()
	st := Status{
		Server:       info,
		HasModel:     s.reg.HasModel(),
		Busy:         q.busy,
		ActiveJob:    q.activeJob,
		ActiveKind:   q.activeKind,
		QueuedJobs:   q.queuedJobs,
		PendingModel: q.pendingModel,
	}
	if m, ok := s.reg.Selected(); ok {
		st.SelectedModel = m.FileName
	}
	st.Resources = s.res.Collect(ctx, resources.Input{
		PID:            info.PID,
		Backend:        info.Backend,
		ModelLoaded:    info.ModelLoaded,
		ServerReady:    info.State == supervisor.Ready,
		VRAMEstimateMB: info.VRAMMB,
	})
	return st, nil
}
