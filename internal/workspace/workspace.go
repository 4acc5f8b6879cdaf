// Package workspace manages the directories the agent runs in. Each
// workspace is a directory directly under a root; one of them is current.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/zette-dev/kurocha/internal/logger"
)

const (
	maxNameLen = 255
	stateFile  = ".kurocha-state.yaml"
)

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

var (
	ErrInvalidName = errors.New("invalid workspace name")
	ErrExists      = errors.New("workspace already exists")
	ErrNotFound    = errors.New("workspace does not exist")
)

type Config struct {
	Root    string
	Default string
	// StatePath stores the last used workspace. Defaults to a hidden file
	// under Root.
	StatePath string
}

type Workspace struct {
	Name string
	Path string
}

// WarningKind explains why the saved workspace could not be restored.
type WarningKind string

const (
	WarningNotFound    WarningKind = "not_found"
	WarningInvalidName WarningKind = "invalid_name"
)

// Warning reports a fallback taken during Initialize.
type Warning struct {
	Kind     WarningKind
	Saved    string
	Fallback string
}

func (w Warning) String() string {
	switch w.Kind {
	case WarningInvalidName:
		return fmt.Sprintf("⚠️ Saved workspace %q has an invalid name. Fell back to default workspace %q.", w.Saved, w.Fallback)
	default:
		return fmt.Sprintf("⚠️ Saved workspace %q was not found. Fell back to default workspace %q.", w.Saved, w.Fallback)
	}
}

// SwitchFunc is notified after the current workspace changes.
type SwitchFunc func(Workspace)

// Manager tracks the current workspace and persists it across restarts.
type Manager struct {
	root      string
	def       string
	statePath string
	log       *logger.Logger

	mu        sync.RWMutex
	current   string
	listeners []SwitchFunc
}

func New(cfg Config, log *logger.Logger) *Manager {
	if cfg.Default == "" {
		cfg.Default = "default"
	}
	if cfg.StatePath == "" {
		cfg.StatePath = filepath.Join(cfg.Root, stateFile)
	}
	return &Manager{
		root:      cfg.Root,
		def:       cfg.Default,
		statePath: cfg.StatePath,
		current:   cfg.Default,
		log:       log.WithFields(zap.String("component", "workspace")),
	}
}

// Initialize creates the root and default workspace if needed and restores
// the last used workspace. Problems with the saved state fall back to the
// default workspace and are returned as warnings.
func (m *Manager) Initialize() ([]Warning, error) {
	if err := ValidateName(m.def); err != nil {
		return nil, fmt.Errorf("default workspace: %w", err)
	}
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	if err := os.MkdirAll(m.path(m.def), 0o755); err != nil {
		return nil, fmt.Errorf("create default workspace: %w", err)
	}

	var warnings []Warning
	current := m.def

	saved, ok := m.loadState()
	switch {
	case !ok:
	case ValidateName(saved) != nil:
		m.log.Warn("saved workspace has an invalid name, using default", zap.String("saved", saved))
		warnings = append(warnings, Warning{Kind: WarningInvalidName, Saved: saved, Fallback: m.def})
	case !m.Has(saved):
		m.log.Warn("saved workspace no longer exists, using default", zap.String("saved", saved))
		warnings = append(warnings, Warning{Kind: WarningNotFound, Saved: saved, Fallback: m.def})
	default:
		current = saved
	}

	m.mu.Lock()
	m.current = current
	m.mu.Unlock()

	if current != saved {
		m.saveState(current)
	}

	m.log.Info("workspace initialized", zap.String("current", current), zap.String("root", m.root))
	return warnings, nil
}

// ValidateName reports whether name can be used as a workspace directory.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidName)
	case len(name) > maxNameLen:
		return fmt.Errorf("%w: name is too long (max %d characters)", ErrInvalidName, maxNameLen)
	case !namePattern.MatchString(name):
		return fmt.Errorf("%w: %q may only contain letters, digits, hyphens and underscores", ErrInvalidName, name)
	}
	return nil
}

// Create makes a new workspace directory. It does not switch to it.
func (m *Manager) Create(name string) (Workspace, error) {
	if err := ValidateName(name); err != nil {
		return Workspace{}, err
	}

	p := m.path(name)
	if _, err := os.Stat(p); err == nil {
		return Workspace{}, fmt.Errorf("%w: %s", ErrExists, name)
	} else if !errors.Is(err, os.ErrNotExist) {
		return Workspace{}, fmt.Errorf("stat workspace: %w", err)
	}

	if err := os.MkdirAll(p, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create workspace: %w", err)
	}
	m.log.Info("workspace created", zap.String("name", name))
	return Workspace{Name: name, Path: p}, nil
}

// Switch makes name the current workspace and persists the choice.
// Listeners are notified only when the workspace actually changes.
func (m *Manager) Switch(name string) (Workspace, error) {
	if err := ValidateName(name); err != nil {
		return Workspace{}, err
	}

	p := m.path(name)
	info, err := os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return Workspace{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return Workspace{}, fmt.Errorf("stat workspace: %w", err)
	}
	if !info.IsDir() {
		return Workspace{}, fmt.Errorf("%q exists but is not a directory", name)
	}

	m.saveState(name)

	m.mu.Lock()
	previous := m.current
	m.current = name
	listeners := append([]SwitchFunc(nil), m.listeners...)
	m.mu.Unlock()

	ws := Workspace{Name: name, Path: p}
	if previous != name {
		m.log.Info("workspace switched", zap.String("from", previous), zap.String("to", name))
		for _, fn := range listeners {
			fn(ws)
		}
	}
	return ws, nil
}

// OnSwitch registers fn to be called after every workspace change.
func (m *Manager) OnSwitch(fn SwitchFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) Current() Workspace {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Workspace{Name: m.current, Path: m.path(m.current)}
}

// CurrentDir returns the current workspace directory. It satisfies
// executor.WorkspaceProvider.
func (m *Manager) CurrentDir() string {
	return m.Current().Path
}

// List returns every workspace directory under the root, sorted by name.
func (m *Manager) List() ([]Workspace, error) {
	entries, err := os.ReadDir(m.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read workspace root: %w", err)
	}

	var out []Workspace
	for _, e := range entries {
		if !e.IsDir() || ValidateName(e.Name()) != nil {
			continue
		}
		out = append(out, Workspace{Name: e.Name(), Path: m.path(e.Name())})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Has reports whether a workspace directory named name exists.
func (m *Manager) Has(name string) bool {
	if ValidateName(name) != nil {
		return false
	}
	info, err := os.Stat(m.path(name))
	return err == nil && info.IsDir()
}

func (m *Manager) path(name string) string {
	return filepath.Join(m.root, name)
}
