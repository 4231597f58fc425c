package httpapi

import (
	"net/http"
	"time"

	"inferd/internal/events"
	"inferd/pkg/types"
)

// chat godoc
// @Summary      Chat with the selected model
// @Description  Queues a one-item chat job and waits, bounded, for its reply event.
// @Tags         jobs
// @Accept       json
// @Produce      json
// @Param        body  body      types.ChatRequest  true  "Conversation"
// @Success      200   {object}  types.ChatResponse
// @Failure      400   {object}  types.ErrorResponse
// @Failure      429   {object}  types.ErrorResponse
// @Failure      502   {object}  types.ErrorResponse
// @Failure      504   {object}  types.ErrorResponse
// @Router       /chat [post]
func (h *handlers) chat(w http.ResponseWriter, r *http.Request) {
	var req types.ChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Messages) == 0 {
		writeJSONError(w, http.StatusBadRequest, "messages are required")
		return
	}

	// Subscribe first so the reply cannot slip past between submit and wait.
	sub, unsubscribe := h.svc.Subscribe(32)
	defer unsubscribe()

	id, err := h.svc.SubmitChat(req.Messages)
	if err != nil {
		writeServiceError(w, err, "chat")
		return
	}

	ctx, cancel := requestContext(r.Context())
	defer cancel()
	timer := time.NewTimer(chatTimeout)
	defer timer.Stop()

	lastErr := ""
	for {
		select {
		case e, ok := <-sub:
			if !ok {
				writeJSONError(w, http.StatusServiceUnavailable, "event stream closed")
				return
			}
			if e.JobID != id {
				continue
			}
			switch e.Kind {
			case events.KindChatReply:
				writeJSON(w, http.StatusOK, types.ChatResponse{JobID: id, Reply: e.Text})
				return
			case events.KindError:
				lastErr = e.Text
			case events.KindJobFinished:
				if lastErr == "" {
					lastErr = "chat job finished without a reply"
				}
				writeJSONError(w, http.StatusBadGateway, lastErr)
				return
			}
		case <-timer.C:
			writeJSONError(w, http.StatusGatewayTimeout, "timed out waiting for chat reply")
			return
		case <-ctx.Done():
			return
		}
	}
}
