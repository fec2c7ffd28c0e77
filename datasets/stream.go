package datasets

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/lexops/practiceops/pkg/middleware"
)

// serveStream validates the request, then runs a session and copies its
// events to the client.
func (s *Service) serveStream(w http.ResponseWriter, r *http.Request) {
	req, err := parseStreamRequest(r.URL.Query(), s.registry)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}

	id := middleware.RequestIDFromCtx(r.Context())
	if id == "" {
		id = uuid.NewString()
	}
	logger := middleware.LoggerFromCtx(r.Context(), s.logger)

	// Anything that ends the handler counts as a disconnect, so the
	// orchestrator never blocks on a reader that is gone.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	session := NewSession(ctx, id, req, s.cfg.Stream.EventBuffer)
	go s.orch.Run(session)

	err = writeSSE(ctx, w, session.Events(), s.cfg.Stream.HeartbeatInterval, s.cfg.Stream.RetryHint)
	switch {
	case err == nil:
		logger.Debug("stream finished", "session", id)
	case errors.Is(err, context.Canceled):
		logger.Info("client disconnected", "session", id, "pending", session.Pending())
	default:
		logger.Warn("stream write failed", "session", id, "error", err)
	}
}

// parseStreamRequest reads datasets (comma separated, may repeat), caller
// and bypass from the query.
func parseStreamRequest(q url.Values, reg *Registry) (StreamRequest, error) {
	var names []string
	for _, v := range q["datasets"] {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
	}
	if len(names) == 0 {
		return StreamRequest{}, errors.New("datasets parameter is required")
	}
	descs, err := reg.Resolve(names)
	if err != nil {
		return StreamRequest{}, err
	}
	return StreamRequest{
		Datasets: descs,
		Caller:   strings.TrimSpace(q.Get("caller")),
		Bypass:   parseBool(q.Get("bypass")),
	}, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// admissionKey throttles per caller when one is named, per client address
// otherwise.
func admissionKey(r *http.Request) string {
	if caller := strings.TrimSpace(r.URL.Query().Get("caller")); caller != "" {
		return "caller:" + caller
	}
	return "ip:" + middleware.KeyByIP(r)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
