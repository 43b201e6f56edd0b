package recreate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/comfydock/comfydock/internal/diag"
	"go.uber.org/zap"
)

// State is a step of a recreate run.
//
// State Flow:
//   - initialized → structure_created → interpreter_ready → toolkit_installed
//     → packages_installed → plugins_installed → validated → done
//   - any non-terminal state → failed
type State string

const (
	StateInitialized       State = "initialized"
	StateStructureCreated  State = "structure_created"
	StateInterpreterReady  State = "interpreter_ready"
	StateToolkitInstalled  State = "toolkit_installed"
	StatePackagesInstalled State = "packages_installed"
	StatePluginsInstalled  State = "plugins_installed"
	StateValidated         State = "validated"
	StateDone              State = "done"
	StateFailed            State = "failed"
)

// sequence is the only forward path through the machine.
var sequence = []State{
	StateInitialized,
	StateStructureCreated,
	StateInterpreterReady,
	StateToolkitInstalled,
	StatePackagesInstalled,
	StatePluginsInstalled,
	StateValidated,
	StateDone,
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// next returns the state following s on the forward path.
func (s State) next() (State, bool) {
	for i, st := range sequence[:len(sequence)-1] {
		if st == s {
			return sequence[i+1], true
		}
	}
	return "", false
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	n, ok := from.next()
	return ok && n == to
}

// Transition records one state change.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// MarkerDir and MarkerFile locate the state marker under the environment root.
// ConstraintsFile, in the same directory, holds the installed toolkit pins.
const (
	MarkerDir       = ".comfydock"
	MarkerFile      = "recreate.json"
	ConstraintsFile = "constraints.txt"
)

// Marker is persisted after every transition so an interrupted run leaves an
// identifiable target behind.
type Marker struct {
	RunID       string            `json:"run_id"`
	Manifest    string            `json:"manifest,omitempty"`
	State       State             `json:"state"`
	StartedAt   time.Time         `json:"started_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Transitions []Transition      `json:"transitions"`
	Errors      []diag.Diagnostic `json:"errors,omitempty"`
}

// machine drives the state of one run.
type machine struct {
	state  State
	marker Marker
	// path is empty until the structure exists; transitions before then are
	// not persisted.
	path   string
	now    func() time.Time
	logger *zap.Logger
}

func newMachine(runID, manifestPath string, now func() time.Time, logger *zap.Logger) *machine {
	t := now().UTC()
	return &machine{
		state:  StateInitialized,
		marker: Marker{RunID: runID, Manifest: manifestPath, State: StateInitialized, StartedAt: t, UpdatedAt: t},
		now:    now,
		logger: logger,
	}
}

// persistTo starts writing the marker below envRoot.
func (m *machine) persistTo(envRoot string) error {
	m.path = filepath.Join(envRoot, MarkerDir, MarkerFile)
	return m.save()
}

func (m *machine) advance(to State) error {
	if !CanTransition(m.state, to) {
		return fmt.Errorf("invalid recreate transition %s → %s", m.state, to)
	}
	t := m.now().UTC()
	m.marker.Transitions = append(m.marker.Transitions, Transition{From: m.state, To: to, At: t})
	m.logger.Info("recreate state", zap.String("from", string(m.state)), zap.String("to", string(to)))
	m.state = to
	m.marker.State = to
	m.marker.UpdatedAt = t
	if err := m.save(); err != nil {
		m.logger.Warn("could not persist recreate state", zap.Error(err))
	}
	return nil
}

// fail moves to StateFailed, recording err. It is a no-op once terminal.
func (m *machine) fail(err error) {
	if m.state.Terminal() {
		return
	}
	m.marker.Errors = append(m.marker.Errors, diag.FromError(err))
	_ = m.advance(StateFailed)
}

func (m *machine) save() error {
	if m.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.marker, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}

// ReadMarker loads the state marker of a previous run below envRoot.
func ReadMarker(envRoot string) (*Marker, error) {
	data, err := os.ReadFile(filepath.Join(envRoot, MarkerDir, MarkerFile))
	if err != nil {
		return nil, err
	}
	var mk Marker
	if err := json.Unmarshal(data, &mk); err != nil {
		return nil, fmt.Errorf("parsing recreate marker: %w", err)
	}
	return &mk, nil
}
