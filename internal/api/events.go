package api

import (
	"net/http"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/Kanishka8375/RedTeamingAI/internal/event"
	"github.com/Kanishka8375/RedTeamingAI/internal/store"
)

func (d *Dependencies) handleListEvents(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromContext(r.Context())
	q := r.URL.Query()

	params := store.ListEventsParams{
		Limit:  queryInt(q, "limit", 50),
		Offset: queryInt(q, "offset", 0),
	}
	if params.Limit < 1 {
		params.Limit = 1
	}
	if params.Limit > 200 {
		params.Limit = 200
	}
	if params.Offset < 0 {
		params.Offset = 0
	}
	if v := q.Get("blocked"); v != "" {
		b := v == "true" || v == "1"
		params.Blocked = &b
	}
	if v := q.Get("min_risk"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			params.MinRisk = &n
		}
	}
	if v := q.Get("agent_id"); v != "" {
		params.AgentID = &v
	}

	events, total, err := d.Store.ListEvents(r.Context(), tenant.ID, params)
	if err != nil {
		d.Logger.Error("failed to list events", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list events"})
		return
	}

	resp := EventListResp{
		Events: make([]EventResp, 0, len(events)),
		Total:  total,
		Limit:  params.Limit,
		Offset: params.Offset,
	}
	for _, e := range events {
		resp.Events = append(resp.Events, eventToResp(e))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromContext(r.Context())
	id := r.PathValue("id")

	ev, err := d.Store.GetEvent(r.Context(), tenant.ID, id)
	if err != nil {
		d.Logger.Error("failed to get event", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to get event"})
		return
	}
	if ev == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Event not found."})
		return
	}
	writeJSON(w, http.StatusOK, eventToResp(ev))
}

func (d *Dependencies) handleGetStats(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromContext(r.Context())

	days := queryInt(r.URL.Query(), "days", 7)
	if days < 1 {
		days = 1
	}
	if days > 90 {
		days = 90
	}

	result, err := d.Store.GetStats(r.Context(), tenant.ID, days)
	if err != nil {
		d.Logger.Error("failed to get stats", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to get stats"})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// eventToResp converts a stored event to the API shape. List queries do
// not select raw bodies, so those fields drop out via omitempty.
func eventToResp(e *event.LoggedEvent) EventResp {
	return EventResp{
		ID:               e.ID,
		Timestamp:        e.Timestamp,
		AgentID:          nilIfEmpty(e.AgentID),
		Model:            e.Model,
		PromptTokens:     e.PromptTokens,
		CompletionTokens: e.CompletionTokens,
		CostUSD:          e.CostUSD,
		LatencyMs:        e.LatencyMs,
		Tools:            e.Tools,
		RequestHash:      e.RequestHash,
		ResponsePreview:  e.ResponsePreview,
		RiskScore:        e.RiskScore,
		Blocked:          e.Blocked,
		Flags:            e.Flags,
		RawRequest:       e.RawRequest,
		RawResponse:      e.RawResponse,
	}
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func queryInt(q url.Values, key string, defaultVal int) int {
	v := q.Get(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}
