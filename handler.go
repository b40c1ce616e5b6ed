package fanout

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	"github.com/durable-streams/fanout/core"
)

// Response header names.
const (
	HeaderStreamNextOffset = "Stream-Next-Offset"
	HeaderFanoutSeq        = "Fanout-Seq"
	HeaderFanoutCount      = "Fanout-Count"
	HeaderFanoutSuccesses  = "Fanout-Successes"
	HeaderFanoutFailures   = "Fanout-Failures"
	HeaderFanoutMode       = "Fanout-Mode"
)

// ServeHTTP routes the fanout API:
//
//	POST   /{project}/{stream}                          publish
//	GET    /{project}/{stream}/subscribers              list subscribers
//	PUT    /{project}/{stream}/subscribers/{estuary}    subscribe
//	DELETE /{project}/{stream}/subscribers/{estuary}    unsubscribe
//	PUT    /{project}/estuaries/{estuary}               touch
//	DELETE /{project}/estuaries/{estuary}               delete estuary
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")

	h.logger.Debug("handling request",
		zap.String("method", r.Method),
		zap.Strings("path", parts))

	var err error
	switch {
	case len(parts) == 2 && parts[1] != "estuaries":
		if r.Method != http.MethodPost {
			return methodNotAllowed(w)
		}
		err = h.handlePublish(w, r, parts[0], parts[1])

	case len(parts) == 3 && parts[1] == "estuaries":
		switch r.Method {
		case http.MethodPut:
			err = h.handleTouch(w, r, parts[0], parts[2])
		case http.MethodDelete:
			err = h.handleDeleteEstuary(w, r, parts[0], parts[2])
		default:
			return methodNotAllowed(w)
		}

	case len(parts) == 3 && parts[2] == "subscribers":
		if r.Method != http.MethodGet {
			return methodNotAllowed(w)
		}
		err = h.handleListSubscribers(w, r, parts[0], parts[1])

	case len(parts) == 4 && parts[2] == "subscribers":
		switch r.Method {
		case http.MethodPut:
			err = h.handleSubscribe(w, r, parts[0], parts[1], parts[3])
		case http.MethodDelete:
			err = h.handleUnsubscribe(w, r, parts[0], parts[1], parts[3])
		default:
			return methodNotAllowed(w)
		}

	default:
		return next.ServeHTTP(w, r)
	}

	if err != nil {
		h.writeError(w, err)
	}
	return nil
}

func (h *Handler) handlePublish(w http.ResponseWriter, r *http.Request, project, stream string) error {
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		return newHTTPError(http.StatusBadRequest, "Content-Type header is required")
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return newHTTPError(http.StatusBadRequest, "failed to read body")
	}
	if len(body) == 0 {
		return newHTTPError(http.StatusBadRequest, "empty body not allowed")
	}

	// The caller's own producer identity passes through to the source append.
	producer := core.ProducerHeaders{
		ID:    r.Header.Get(core.HeaderProducerID),
		Epoch: r.Header.Get(core.HeaderProducerEpoch),
		Seq:   r.Header.Get(core.HeaderProducerSeq),
	}

	result, err := h.service.Publish(r.Context(), project, stream, body, contentType, producer)
	if err != nil {
		return err
	}

	w.Header().Set(HeaderStreamNextOffset, result.NextOffset)
	w.Header().Set(HeaderFanoutSeq, strconv.FormatUint(result.FanoutSeq, 10))
	w.Header().Set(HeaderFanoutCount, strconv.Itoa(result.FanoutCount))
	w.Header().Set(HeaderFanoutSuccesses, strconv.Itoa(result.FanoutSuccesses))
	w.Header().Set(HeaderFanoutFailures, strconv.Itoa(result.FanoutFailures))
	w.Header().Set(HeaderFanoutMode, result.FanoutMode)
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *Handler) handleSubscribe(w http.ResponseWriter, r *http.Request, project, stream, estuaryID string) error {
	result, err := h.service.Subscribe(r.Context(), project, stream, estuaryID)
	if err != nil {
		return err
	}
	status := http.StatusOK
	if result.IsNewEstuary {
		status = http.StatusCreated
	}
	return writeJSON(w, status, result)
}

func (h *Handler) handleUnsubscribe(w http.ResponseWriter, r *http.Request, project, stream, estuaryID string) error {
	if err := h.service.Unsubscribe(r.Context(), project, stream, estuaryID); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *Handler) handleListSubscribers(w http.ResponseWriter, r *http.Request, project, stream string) error {
	subs, err := h.service.Subscribers(r.Context(), project, stream)
	if err != nil {
		return err
	}
	type entry struct {
		EstuaryID    string    `json:"estuaryId"`
		SubscribedAt time.Time `json:"subscribedAt"`
	}
	out := struct {
		StreamID    string  `json:"streamId"`
		Subscribers []entry `json:"subscribers"`
	}{StreamID: stream, Subscribers: make([]entry, 0, len(subs))}
	for _, s := range subs {
		out.Subscribers = append(out.Subscribers, entry{
			EstuaryID:    s.EstuaryID,
			SubscribedAt: s.SubscribedAt.UTC(),
		})
	}
	return writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleTouch(w http.ResponseWriter, r *http.Request, project, estuaryID string) error {
	expiresAt, err := h.service.Touch(r.Context(), project, estuaryID)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, struct {
		EstuaryID string    `json:"estuaryId"`
		ExpiresAt time.Time `json:"expiresAt"`
	}{EstuaryID: estuaryID, ExpiresAt: expiresAt.UTC()})
}

func (h *Handler) handleDeleteEstuary(w http.ResponseWriter, r *http.Request, project, estuaryID string) error {
	if err := h.service.DeleteEstuary(r.Context(), project, estuaryID); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func methodNotAllowed(w http.ResponseWriter) error {
	w.WriteHeader(http.StatusMethodNotAllowed)
	return nil
}

// HTTP error handling
type httpError struct {
	status  int
	message string
}

func (e *httpError) Error() string {
	return e.message
}

func newHTTPError(status int, message string) *httpError {
	return &httpError{status: status, message: message}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var httpErr *httpError
	if errors.As(err, &httpErr) {
		http.Error(w, httpErr.message, httpErr.status)
		return
	}

	switch {
	case errors.Is(err, core.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, core.ErrSourceNotFound), errors.Is(err, core.ErrEstuaryNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, core.ErrContentTypeMismatch):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, core.ErrUpstreamWriteFailed):
		h.logger.Error("upstream write failed", zap.Error(err))
		http.Error(w, "upstream write failed", http.StatusBadGateway)
	default:
		h.logger.Error("internal error", zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}
