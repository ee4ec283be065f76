// Package store persists the badge identity.
package store

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/chaz8081/badgelink/internal/badge"
)

// ErrNotFound is returned by LoadLast when no identity has been saved.
var ErrNotFound = errors.New("store: no badge identity")

// bindingJSON is the persisted form of a badge.Binding.
type bindingJSON struct {
	Name string `json:"name"`
	UUID string `json:"uuid"`
}

func marshalBindings(bindings []badge.Binding) (string, error) {
	out := make([]bindingJSON, len(bindings))
	for i, b := range bindings {
		out[i] = bindingJSON{Name: b.Name.String(), UUID: b.UUID.String()}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("marshal characteristics: %w", err)
	}
	return string(data), nil
}

// decodeIdentity rebuilds an identity from its stored columns, validating it
// as if it had just been provisioned.
func decodeIdentity(serviceID, address, keyHex, chars string) (*badge.Identity, error) {
	svc, err := uuid.Parse(serviceID)
	if err != nil {
		return nil, fmt.Errorf("parse service id: %w", err)
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	var stored []bindingJSON
	if err := json.Unmarshal([]byte(chars), &stored); err != nil {
		return nil, fmt.Errorf("unmarshal characteristics: %w", err)
	}
	bindings := make([]badge.Binding, 0, len(stored))
	for _, b := range stored {
		name, err := badge.ParseServiceName(b.Name)
		if err != nil {
			return nil, err
		}
		id, err := uuid.Parse(b.UUID)
		if err != nil {
			return nil, fmt.Errorf("parse characteristic %s: %w", b.Name, err)
		}
		bindings = append(bindings, badge.Binding{Name: name, UUID: id})
	}
	return badge.NewIdentity(svc, address, key, bindings)
}
