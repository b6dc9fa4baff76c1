package thingsboard

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Device is an eSTUDNA unit registered to the account.
type Device struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Model string `json:"model"`
}

// rawDevice is a device record as returned by either API family.
type rawDevice struct {
	ID    json.RawMessage `json:"id"`
	Name  string          `json:"name"`
	Type  string          `json:"type"`
	Model string          `json:"model"`
}

func (r rawDevice) normalize() (Device, error) {
	id, err := normalizeID(r.ID)
	if err != nil {
		return Device{}, err
	}
	if id == "" {
		return Device{}, fmt.Errorf("%w: device without id", ErrDecode)
	}

	model := r.Type
	if model == "" {
		model = r.Model
	}
	return Device{ID: id, Name: r.Name, Model: model}, nil
}

// normalizeID accepts an id as a bare string ("abc") or as a ThingsBoard
// entity reference ({"id": "abc", "entityType": "DEVICE"}) and returns the
// plain string. A missing or null id yields "".
func normalizeID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), nil
	}

	var ref struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", fmt.Errorf("%w: id %s", ErrDecode, string(raw))
	}
	var inner string
	if err := json.Unmarshal(ref.ID, &inner); err != nil {
		return "", fmt.Errorf("%w: id %s", ErrDecode, string(raw))
	}
	return strings.TrimSpace(inner), nil
}
