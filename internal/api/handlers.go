package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-estudna/internal/account"
	"github.com/nerrad567/gray-logic-estudna/internal/bridges/estudna"
	"github.com/nerrad567/gray-logic-estudna/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-estudna/internal/thingsboard"
)

// commandQoS is the QoS used for relay commands published by the API.
const commandQoS = 1

type healthResponse struct {
	Status     estudna.HealthStatus  `json:"status"`
	APIVersion string                `json:"api_version"`
	Bridge     estudna.HealthMessage `json:"bridge"`
}

type accountResponse struct {
	ID            string `json:"id"`
	Family        string `json:"family"`
	Authenticated bool   `json:"authenticated"`
	Devices       int    `json:"devices"`
}

type deviceResponse struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Model          string         `json:"model"`
	Account        string         `json:"account"`
	SupportsRelays bool           `json:"supports_relays"`
	State          map[string]any `json:"state,omitempty"`
}

type stateResponse struct {
	DeviceID string         `json:"device_id"`
	State    map[string]any `json:"state"`
}

type relayRequest struct {
	On *bool `json:"on"`
}

type relayResponse struct {
	CommandID string `json:"command_id"`
	DeviceID  string `json:"device_id"`
	Relay     string `json:"relay"`
	On        bool   `json:"on"`
}

// handleHealth returns the bridge health as it would be published.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := s.bridge.Health()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:     h.Status,
		APIVersion: s.version,
		Bridge:     h,
	})
}

func (s *Server) handleListAccounts(w http.ResponseWriter, _ *http.Request) {
	entries := s.accounts.Entries()
	out := make([]accountResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, accountResponse{
			ID:            e.ID,
			Family:        e.Family().String(),
			Authenticated: e.Client.Authenticated(),
			Devices:       len(e.CachedDevices()),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accounts": out,
		"count":    len(out),
	})
}

// handleListDevices lists every discovered device across all accounts.
// Devices that have not been fetched yet by the bridge are not listed.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	out := make([]deviceResponse, 0)
	for _, e := range s.accounts.Entries() {
		for _, d := range e.CachedDevices() {
			out = append(out, s.describeDevice(e, d))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": out,
		"count":   len(out),
	})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, device, ok := s.lookupDevice(id)
	if !ok {
		writeNotFound(w, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, s.describeDevice(entry, device))
}

func (s *Server) handleGetDeviceState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, _, ok := s.lookupDevice(id); !ok {
		writeNotFound(w, "device not found")
		return
	}

	state, ok := s.bridge.State(id)
	if !ok {
		writeNotFound(w, "no state published yet")
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{DeviceID: id, State: state.Map()})
}

// handleSetRelay publishes a relay command for the bridge to execute.
// The result is reported on the ack topic; the response only carries the
// command id for correlation.
func (s *Server) handleSetRelay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	relay, err := thingsboard.ParseRelay(chi.URLParam(r, "relay"))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "relay must be OUT1 or OUT2")
		return
	}

	var req relayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			writeBadRequest(w, "request body is required")
			return
		}
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.On == nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, `"on" is required`)
		return
	}

	entry, _, ok := s.lookupDevice(id)
	if !ok {
		writeNotFound(w, "device not found")
		return
	}
	if !entry.Client.SupportsRelays() {
		writeConflict(w, "device family has no relay control")
		return
	}
	if s.mqtt == nil {
		writeUnavailable(w, "MQTT not connected")
		return
	}

	command := "off"
	if *req.On {
		command = "on"
	}
	cmd := estudna.CommandMessage{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		DeviceID:   id,
		Command:    command,
		Parameters: map[string]any{"relay": relay.String()},
		Source:     "api",
	}

	payload, err := json.Marshal(&cmd)
	if err != nil {
		writeInternalError(w, "encoding command")
		return
	}
	if err := s.mqtt.Publish(mqtt.Topics{}.Command(id), payload, commandQoS, false); err != nil {
		s.logger.Warn("relay command publish failed", "device_id", id, "error", err)
		writeUnavailable(w, "command could not be published")
		return
	}

	s.logger.Info("relay command published",
		"command_id", cmd.ID,
		"device_id", id,
		"relay", relay.String(),
		"on", *req.On,
		"request_id", r.Context().Value(ctxKeyRequestID),
	)
	writeJSON(w, http.StatusAccepted, relayResponse{
		CommandID: cmd.ID,
		DeviceID:  id,
		Relay:     relay.String(),
		On:        *req.On,
	})
}

// lookupDevice finds a device among the cached device lists. It never
// triggers a cloud request.
func (s *Server) lookupDevice(id string) (*account.Entry, thingsboard.Device, bool) {
	for _, e := range s.accounts.Entries() {
		for _, d := range e.CachedDevices() {
			if d.ID == id {
				return e, d, true
			}
		}
	}
	return nil, thingsboard.Device{}, false
}

func (s *Server) describeDevice(e *account.Entry, d thingsboard.Device) deviceResponse {
	resp := deviceResponse{
		ID:             d.ID,
		Name:           d.Name,
		Model:          d.Model,
		Account:        e.ID,
		SupportsRelays: e.Client.SupportsRelays(),
	}
	if state, ok := s.bridge.State(d.ID); ok {
		resp.State = state.Map()
	}
	return resp
}
