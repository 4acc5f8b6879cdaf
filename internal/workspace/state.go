package workspace

import (
	"errors"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type state struct {
	CurrentWorkspace string `yaml:"current_workspace"`
}

// loadState returns the saved workspace name. A missing or unreadable state
// file is not an error; the caller falls back to the default.
func (m *Manager) loadState() (string, bool) {
	data, err := os.ReadFile(m.statePath)
	if errors.Is(err, os.ErrNotExist) {
		return "", false
	}
	if err != nil {
		m.log.Warn("failed to read workspace state", zap.String("path", m.statePath), zap.Error(err))
		return "", false
	}

	var s state
	if err := yaml.Unmarshal(data, &s); err != nil {
		m.log.Warn("invalid workspace state", zap.String("path", m.statePath), zap.Error(err))
		return "", false
	}
	if s.CurrentWorkspace == "" {
		return "", false
	}
	return s.CurrentWorkspace, true
}

// saveState persists name. Failures are logged only; losing the last used
// workspace on restart is acceptable.
func (m *Manager) saveState(name string) {
	data, err := yaml.Marshal(state{CurrentWorkspace: name})
	if err != nil {
		m.log.Error("failed to encode workspace state", zap.Error(err))
		return
	}
	if err := os.MkdirAll(filepath.Dir(m.statePath), 0o755); err != nil {
		m.log.Error("failed to save workspace state", zap.String("path", m.statePath), zap.Error(err))
		return
	}
	if err := os.WriteFile(m.statePath, data, 0o644); err != nil {
		m.log.Error("failed to save workspace state", zap.String("path", m.statePath), zap.Error(err))
	}
}
