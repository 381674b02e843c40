package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/agentscm/pkg/audit"
	"github.com/Mindburn-Labs/agentscm/pkg/delivery"
	"github.com/Mindburn-Labs/agentscm/pkg/settlement"
	"github.com/Mindburn-Labs/agentscm/pkg/stream"
)

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, http.StatusRequestEntityTooLarge, "Payload too large")
			return
		}
		WriteBadRequest(w, "Invalid event payload", map[string][]string{"_body": {"unreadable body"}})
		return
	}

	ev, err := delivery.Decode(bytes.NewReader(body))
	if err != nil {
		var verr *delivery.ValidationError
		if errors.As(err, &verr) {
			WriteBadRequest(w, "Invalid event payload", verr.Fields)
			return
		}
		WriteBadRequest(w, "Invalid event payload", nil)
		return
	}

	out, err := s.settler.Process(r.Context(), ev)
	if err != nil {
		public := settlement.GenericFailure
		var serr *settlement.Error
		if errors.As(err, &serr) {
			public = serr.Public
		}
		WriteInternal(w, r, s.logger, public, err)
		return
	}

	status := http.StatusOK
	if out.Status == settlement.StatusInProgress {
		status = http.StatusConflict
	}
	WriteJSON(w, status, out)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	entries, err := s.entries.ReadAll(r.Context())
	if err != nil {
		WriteInternal(w, r, s.logger, "Failed to read logs", err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	WriteJSON(w, http.StatusOK, entries)
}

func (s *Server) handlePayments(w http.ResponseWriter, r *http.Request) {
	entries, err := s.entries.ReadAll(r.Context())
	if err != nil {
		WriteInternal(w, r, s.logger, "Failed to read payments", err)
		return
	}
	WriteJSON(w, http.StatusOK, audit.Filter(entries, audit.PaymentTypes...))
}

func (s *Server) handleShipments(w http.ResponseWriter, _ *http.Request) {
	shipments := []delivery.Shipment{}
	if s.shipments != nil {
		shipments = append(shipments, s.shipments.All()...)
	}
	WriteJSON(w, http.StatusOK, shipments)
}

type healthBody struct {
	Status      string `json:"status"`
	Oracle      string `json:"oracle,omitempty"`
	Subscribers int    `json:"subscribers"`
	Time        string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := healthBody{Status: "ok", Subscribers: s.hub.Active(), Time: time.Now().UTC().Format(time.RFC3339)}
	if n, ok := s.settler.(interface{ OracleName() string }); ok {
		body.Oracle = n.OracleName()
	}
	WriteJSON(w, http.StatusOK, body)
}

// handleStream replays the audit log as server-sent events and then tails
// it until the client leaves or the server shuts down.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sub, err := s.hub.Subscribe(ctx)
	if errors.Is(err, stream.ErrTooManySubscribers) {
		WriteError(w, http.StatusServiceUnavailable, "Too many live stream connections")
		return
	}
	if err != nil {
		WriteInternal(w, r, s.logger, "Failed to open stream", err)
		return
	}
	defer sub.Close()

	s.obs.SubscriberDelta(ctx, 1)
	defer s.obs.SubscriberDelta(ctx, -1)

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.logger.WarnContext(ctx, "stream flush unsupported", "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			return
		case m, ok := <-sub.Events():
			if !ok {
				<-sub.Done()
				if err := sub.Err(); err != nil {
					s.logger.WarnContext(ctx, "stream ended", "error", err)
				}
				return
			}
			if err := writeEvent(w, m); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func writeEvent(w io.Writer, m stream.Message) error {
	if m.Heartbeat {
		_, err := io.WriteString(w, ": heartbeat\n\n")
		return err
	}
	_, err := fmt.Fprintf(w, "data: %s\n\n", bytes.TrimSpace(m.Entry))
	return err
}
