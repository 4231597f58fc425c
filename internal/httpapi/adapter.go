package httpapi

import (
	"context"

	"inferd/internal/events"
	"inferd/internal/inference"
	"inferd/internal/orchestrator"
	"inferd/internal/registry"
	"inferd/pkg/types"
)

// Orchestrated adapts an orchestrator and its event broadcaster to Service.
type Orchestrated struct {
	svc *orchestrator.Service
	bus *events.Broadcaster
}

var _ Service = (*Orchestrated)(nil)

// NewService wraps svc; bus must be the broadcaster svc publishes to.
func NewService(svc *orchestrator.Service, bus *events.Broadcaster) *Orchestrated {
	return &Orchestrated{svc: svc, bus: bus}
}

func (o *Orchestrated) ListModels() ([]types.Model, error) {
	models, err := o.svc.ListModels()
	if err != nil {
		return nil, err
	}
	selected, _ := o.svc.SelectedModel()
	return toModels(models, selected.FileName), nil
}

func (o *Orchestrated) SelectModel(fileName string) error { return o.svc.SelectModel(fileName) }

func (o *Orchestrated) Status(ctx context.Context) (types.StatusResponse, error) {
	st, err := o.svc.Status(ctx)
	if err != nil {
		return types.StatusResponse{}, err
	}
	return toStatus(st), nil
}

func (o *Orchestrated) SubmitAnalysis(req types.AnalyzeRequest) (string, error) {
	return o.svc.SubmitAnalysis(req.Items, req.Prompt, req.Debug, req.Context)
}

func (o *Orchestrated) EnqueueBatch(req types.BatchRequest) (string, error) {
	kind, err := orchestrator.ParseJobKind(req.Kind)
	if err != nil {
		return "", err
	}
	return o.svc.EnqueueBatch(kind, req.Items, req.Prompt, req.Debug, req.Context)
}

func (o *Orchestrated) SubmitChat(messages []types.ChatMessage) (string, error) {
	return o.svc.SubmitChat(toMessages(messages))
}

func (o *Orchestrated) RequestStop() { o.svc.RequestStop() }

func (o *Orchestrated) Ready() bool { return o.svc.Ready() }

func (o *Orchestrated) Subscribe(buffer int) (<-chan events.Event, func()) {
	return o.bus.Subscribe(buffer)
}

func toModels(models []registry.Model, selected string) []types.Model {
	out := make([]types.Model, 0, len(models))
	for _, m := range models {
		out = append(out, types.Model{
			FileName:  m.FileName,
			Path:      m.Path,
			Available: m.Available,
			Selected:  selected != "" && m.FileName == selected,
		})
	}
	return out
}

func toMessages(in []types.ChatMessage) []inference.Message {
	out := make([]inference.Message, 0, len(in))
	for _, m := range in {
		out = append(out, inference.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

func toStatus(st orchestrator.Status) types.StatusResponse {
	res := st.Resources
	return types.StatusResponse{
		State:         st.Server.StateName,
		Generation:    st.Server.Generation,
		Model:         st.Server.Model,
		Backend:       string(st.Server.Backend),
		PID:           st.Server.PID,
		Port:          st.Server.Port,
		ModelLoaded:   st.Server.ModelLoaded,
		StartedAt:     st.Server.StartedAt,
		SelectedModel: st.SelectedModel,
		HasModel:      st.HasModel,
		Busy:          st.Busy,
		ActiveJob:     st.ActiveJob,
		ActiveKind:    st.ActiveKind,
		QueuedJobs:    st.QueuedJobs,
		PendingModel:  st.PendingModel,
		Resources: types.Resources{
			RAMMB:          res.RAMMB,
			VRAMMB:         res.VRAMMB,
			CPUPercent:     res.CPUPercent,
			GPUPercent:     res.GPUPercent,
			HostRAMUsedMB:  res.HostRAMUsedMB,
			HostRAMTotalMB: res.HostRAMTotalMB,
		},
	}
}
