// Package fingerprint derives deterministic cache keys for simulation work.
//
// The set of fields included is a correctness contract: omitting a field that
// influences results causes stale cache hits, so any new simulation input
// must be added here before it is honored by the worker.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type simulationPayload struct {
	ModelID      string          `json:"model_id"`
	ModelVersion string          `json:"model_version"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
	Units        int64           `json:"units"`
	Seed         int64           `json:"seed"`
	Mode         string          `json:"mode"`
}

// Simulation computes the canonical fingerprint for one simulation request.
// Identical inputs (including re-ordered parameter keys) always yield the
// identical hex digest across calls and process restarts.
func Simulation(modelID, modelVersion string, parameters map[string]any, units, seed int64, mode string) (string, error) {
	modelID = strings.TrimSpace(modelID)
	if modelID == "" {
		return "", errors.New("model id is required")
	}
	if units <= 0 {
		return "", errors.New("units must be positive")
	}

	payload := simulationPayload{
		ModelID:      modelID,
		ModelVersion: strings.TrimSpace(modelVersion),
		Units:        units,
		Seed:         seed,
		Mode:         strings.TrimSpace(mode),
	}
	if len(parameters) > 0 {
		// encoding/json writes map keys in sorted order at every nesting
		// level, which is the canonical form relied on here.
		b, err := json.Marshal(parameters)
		if err != nil {
			return "", fmt.Errorf("marshal simulation parameters: %w", err)
		}
		payload.Parameters = b
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal fingerprint payload: %w", err)
	}
	sha := sha256.Sum256(b)
	return hex.EncodeToString(sha[:]), nil
}
