package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/tillsync/internal/optimistic"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/session"
)

// Scenario is one deterministic run against a scripted remote store.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Remote is the initial state of the scripted store.
	Remote Remote `yaml:"remote"`

	// Options configures the session manager and list engines.
	Options Options `yaml:"options,omitempty"`

	// Steps run in order. Each produces one trace event.
	Steps []Step `yaml:"steps"`

	// Assertions are evaluated after the last step.
	Assertions []Assertion `yaml:"assertions"`
}

// Remote seeds the scripted store.
type Remote struct {
	// Session is the signed-in session. Omit for a signed-out store.
	Session *RemoteSession `yaml:"session,omitempty"`

	Users    []RemoteUser   `yaml:"users,omitempty"`
	Entities []RemoteEntity `yaml:"entities,omitempty"`

	// Hold lists gates that start closed.
	Hold []string `yaml:"hold,omitempty"`

	Failures   []Failure   `yaml:"failures,omitempty"`
	Rejections []Rejection `yaml:"rejections,omitempty"`
}

// RemoteSession is a seeded session.
type RemoteSession struct {
	Token string `yaml:"token"`
	User  string `yaml:"user"`
}

// RemoteUser is a seeded user record.
type RemoteUser struct {
	ID      string            `yaml:"id"`
	Role    string            `yaml:"role"`
	Profile map[string]string `yaml:"profile,omitempty"`
}

// RemoteEntity is a seeded entity.
type RemoteEntity struct {
	Kind   string         `yaml:"kind"`
	ID     string         `yaml:"id"`
	Fields map[string]any `yaml:"fields,omitempty"`
}

// Failure makes one store call fail with a transport error.
type Failure struct {
	// Target is "session", "entity" or "mutate".
	Target  string `yaml:"target"`
	Kind    string `yaml:"kind,omitempty"`
	ID      string `yaml:"id,omitempty"`
	Message string `yaml:"message,omitempty"`
}

// Rejection makes Mutate on kind/id answer with an error payload.
type Rejection struct {
	Kind    string `yaml:"kind"`
	ID      string `yaml:"id"`
	Code    string `yaml:"code"`
	Message string `yaml:"message,omitempty"`
}

// Options configures the components under test.
type Options struct {
	// FetchTimeout bounds session and user fetches. Zero waits forever.
	FetchTimeout time.Duration `yaml:"fetch_timeout,omitempty"`

	// MutationTimeout bounds list mutations. Zero waits forever.
	MutationTimeout time.Duration `yaml:"mutation_timeout,omitempty"`

	// Rollback is the restore position for failed removes: index or front.
	Rollback string `yaml:"rollback,omitempty"`
}

// Step operations.
const (
	OpInit     = "init"
	OpRetry    = "retry"
	OpEvent    = "event"
	OpHold     = "hold"
	OpRelease  = "release"
	OpFail     = "fail"
	OpHeal     = "heal"
	OpAwait    = "await"
	OpParallel = "parallel"
	OpLoad     = "load"
	OpAdd      = "add"
	OpUpdate   = "update"
	OpRemove   = "remove"
)

// Await targets.
const (
	AwaitSettled   = "settled"
	AwaitGate      = "gate"
	AwaitMutations = "mutations"
)

// Step is one scripted trigger.
type Step struct {
	Op string `yaml:"op"`

	// Event, Token and User describe an auth event (op: event).
	Event string `yaml:"event,omitempty"`
	Token string `yaml:"token,omitempty"`
	User  string `yaml:"user,omitempty"`

	// Gate names a store gate (op: hold, release; await for: gate).
	Gate string `yaml:"gate,omitempty"`

	// For is the await target: settled, gate or mutations.
	For string `yaml:"for,omitempty"`

	// Count is the number of waiters to await on Gate. Defaults to 1.
	Count int `yaml:"count,omitempty"`

	// Kind, ID and Fields describe a list mutation or load.
	Kind   string         `yaml:"kind,omitempty"`
	ID     string         `yaml:"id,omitempty"`
	Fields map[string]any `yaml:"fields,omitempty"`

	// Async starts a mutation without waiting for it to settle. The harness
	// continues once the mutation is parked on its gate or has failed fast.
	Async bool `yaml:"async,omitempty"`

	// Target and Message describe a scripted failure (op: fail, heal).
	Target  string `yaml:"target,omitempty"`
	Message string `yaml:"message,omitempty"`

	// Expect is the expected outcome: "ok" or an error code.
	Expect string `yaml:"expect,omitempty"`

	// Steps are the concurrent triggers of a parallel step.
	Steps []Step `yaml:"steps,omitempty"`
}

// Assertion types.
const (
	AssertSessionStatus  = "session_status"
	AssertSessionUser    = "session_user"
	AssertFetchCount     = "fetch_count"
	AssertListContains   = "list_contains"
	AssertListAbsent     = "list_absent"
	AssertListOrder      = "list_order"
	AssertErrorCode      = "error_code"
	AssertRemoteContains = "remote_contains"
)

// Assertion checks the final state of a run.
type Assertion struct {
	Type string `yaml:"type"`

	// Status is the expected session status (session_status).
	Status string `yaml:"status,omitempty"`

	// User is the expected user id; empty means no user (session_user).
	User string `yaml:"user,omitempty"`

	// Gate and Count check store call counts (fetch_count).
	Gate  string `yaml:"gate,omitempty"`
	Count int    `yaml:"count,omitempty"`

	// Kind, Key and Fields address a list or remote entity. Fields is a
	// subset match.
	Kind   string         `yaml:"kind,omitempty"`
	Key    string         `yaml:"key,omitempty"`
	Fields map[string]any `yaml:"fields,omitempty"`

	// Keys is the expected list order (list_order).
	Keys []string `yaml:"keys,omitempty"`

	// Step and Code check a step outcome (error_code). Step is 1-based.
	Step int    `yaml:"step,omitempty"`
	Code string `yaml:"code,omitempty"`
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is invalid.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // catches typos like "assertion:" vs "assertions:"
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	if s.Remote.Session != nil && s.Remote.Session.User == "" {
		return fmt.Errorf("remote.session: user is required")
	}
	for i, u := range s.Remote.Users {
		if u.ID == "" {
			return fmt.Errorf("remote.users[%d]: id is required", i)
		}
	}
	for i, e := range s.Remote.Entities {
		if e.Kind == "" || e.ID == "" {
			return fmt.Errorf("remote.entities[%d]: kind and id are required", i)
		}
	}
	for i, f := range s.Remote.Failures {
		if err := validateFailure(f.Target, f.Kind); err != nil {
			return fmt.Errorf("remote.failures[%d]: %w", i, err)
		}
	}
	for i, r := range s.Remote.Rejections {
		if r.Kind == "" || r.Code == "" {
			return fmt.Errorf("remote.rejections[%d]: kind and code are required", i)
		}
	}
	if _, err := optimistic.ParsePosition(s.Options.Rollback); err != nil {
		return fmt.Errorf("options.rollback: %w", err)
	}

	for i, step := range s.Steps {
		if err := validateStep(step, false); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a, len(s.Steps)); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateFailure(target, kind string) error {
	switch target {
	case "session":
		return nil
	case "entity", "mutate":
		if kind == "" {
			return fmt.Errorf("kind is required for %s failures", target)
		}
		return nil
	default:
		return fmt.Errorf("unknown failure target %q", target)
	}
}

// validateStep checks one step. Parallel children may only be session
// triggers.
func validateStep(step Step, nested bool) error {
	if nested {
		switch step.Op {
		case OpInit, OpRetry, OpEvent:
		default:
			return fmt.Errorf("op %q cannot run in parallel", step.Op)
		}
	}

	switch step.Op {
	case OpInit, OpRetry:
	case OpEvent:
		switch remote.EventKind(step.Event) {
		case remote.EventSignedIn, remote.EventTokenRefreshed:
			if step.User == "" {
				return fmt.Errorf("user is required for %s", step.Event)
			}
		case remote.EventSignedOut:
		default:
			return fmt.Errorf("unknown event %q", step.Event)
		}
	case OpHold, OpRelease:
		if step.Gate == "" {
			return fmt.Errorf("gate is required for %s", step.Op)
		}
	case OpFail, OpHeal:
		if err := validateFailure(step.Target, step.Kind); err != nil {
			return err
		}
	case OpAwait:
		switch step.For {
		case AwaitSettled, AwaitMutations:
		case AwaitGate:
			if step.Gate == "" {
				return fmt.Errorf("gate is required to await a gate")
			}
		default:
			return fmt.Errorf("unknown await target %q", step.For)
		}
	case OpParallel:
		if len(step.Steps) < 2 {
			return fmt.Errorf("parallel needs at least two steps")
		}
		for i, child := range step.Steps {
			if err := validateStep(child, true); err != nil {
				return fmt.Errorf("steps[%d]: %w", i, err)
			}
		}
	case OpLoad:
		if step.Kind == "" {
			return fmt.Errorf("kind is required for load")
		}
	case OpAdd:
		if step.Kind == "" {
			return fmt.Errorf("kind is required for add")
		}
	case OpUpdate, OpRemove:
		if step.Kind == "" || step.ID == "" {
			return fmt.Errorf("kind and id are required for %s", step.Op)
		}
	case "":
		return fmt.Errorf("op is required")
	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(a Assertion, steps int) error {
	switch a.Type {
	case AssertSessionStatus:
		if _, ok := session.ParseStatus(a.Status); !ok {
			return fmt.Errorf("unknown session status %q", a.Status)
		}
	case AssertSessionUser:
	case AssertFetchCount:
		if a.Gate == "" {
			return fmt.Errorf("gate is required for fetch_count")
		}
		if a.Count < 0 {
			return fmt.Errorf("count must be non-negative for fetch_count")
		}
	case AssertListContains, AssertListAbsent, AssertRemoteContains:
		if a.Kind == "" || a.Key == "" {
			return fmt.Errorf("kind and key are required for %s", a.Type)
		}
	case AssertListOrder:
		if a.Kind == "" {
			return fmt.Errorf("kind is required for list_order")
		}
	case AssertErrorCode:
		if a.Step < 1 || a.Step > steps {
			return fmt.Errorf("step %d out of range 1..%d", a.Step, steps)
		}
		if a.Code == "" {
			return fmt.Errorf("code is required for error_code")
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
