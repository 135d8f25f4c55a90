// SPDX-License-Identifier: MIT

package jobs

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/renameio/v2"

	"github.com/ManuGH/mediad/internal/artifact"
)

// persistedSchedConfig is the on-disk layout of the operator-tunable
// scheduler settings.
type persistedSchedConfig struct {
	GlobalMax int            `json:"globalMax"`
	ToolCaps  map[string]int `json:"toolCaps,omitempty"`
	Paused    bool           `json:"paused"`
}

// SaveConfig writes the tunable settings atomically so cap and pause changes
// survive a restart.
func (s *Scheduler) SaveConfig(path string) error {
	cfg := s.Snapshot()
	out := persistedSchedConfig{GlobalMax: cfg.GlobalMax, Paused: cfg.StartPaused}
	if len(cfg.ToolCaps) > 0 {
		out.ToolCaps = make(map[string]int, len(cfg.ToolCaps))
		for class, n := range cfg.ToolCaps {
			out.ToolCaps[string(class)] = n
		}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal scheduler config: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("write scheduler config: %w", err)
	}
	return nil
}

// LoadConfig applies settings saved by SaveConfig. A missing file leaves the
// construction-time defaults in place.
func (s *Scheduler) LoadConfig(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read scheduler config: %w", err)
	}
	var in persistedSchedConfig
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("decode scheduler config: %w", err)
	}
	if in.GlobalMax > 0 {
		if err := s.SetGlobalMax(in.GlobalMax); err != nil {
			return err
		}
	}
	for class, n := range in.ToolCaps {
		if err := s.SetToolCap(artifact.ToolClass(class), n); err != nil {
			return err
		}
	}
	if in.Paused {
		s.Pause()
	}
	return nil
}
