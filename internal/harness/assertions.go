package harness

import (
	"fmt"
	"reflect"
	"slices"
	"sort"
	"strings"

	"github.com/roach88/tillsync/internal/optimistic"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/session"
	"github.com/roach88/tillsync/internal/testutil"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// AssertionContext is the final state assertions are evaluated against.
type AssertionContext struct {
	Session  session.Session
	Lists    map[string]optimistic.ListState[remote.Entity]
	Store    *testutil.FakeStore
	Outcomes map[int]string
}

// EvaluateAssertions evaluates all assertions and returns one message per
// failure.
func EvaluateAssertions(assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertion[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertSessionStatus:
		return assertSessionStatus(actx.Session, a)
	case AssertSessionUser:
		return assertSessionUser(actx.Session, a)
	case AssertFetchCount:
		return assertFetchCount(actx.Store, a)
	case AssertListContains:
		return assertListContains(actx.Lists[a.Kind], a)
	case AssertListAbsent:
		return assertListAbsent(actx.Lists[a.Kind], a)
	case AssertListOrder:
		return assertListOrder(actx.Lists[a.Kind], a)
	case AssertErrorCode:
		return assertErrorCode(actx.Outcomes, a)
	case AssertRemoteContains:
		return assertRemoteContains(actx.Store, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func assertSessionStatus(s session.Session, a Assertion) error {
	if got := s.Status.String(); got != a.Status {
		return &AssertionError{
			Type:     a.Type,
			Expected: "status " + a.Status,
			Actual:   "status " + got,
		}
	}
	return nil
}

func assertSessionUser(s session.Session, a Assertion) error {
	got := ""
	if s.User != nil {
		got = s.User.ID
	}
	if got != a.User {
		return &AssertionError{
			Type:     a.Type,
			Expected: describeUser(a.User),
			Actual:   describeUser(got),
		}
	}
	return nil
}

func describeUser(id string) string {
	if id == "" {
		return "no user"
	}
	return "user " + id
}

// assertFetchCount checks how many calls reached a store gate.
func assertFetchCount(store *testutil.FakeStore, a Assertion) error {
	if got := store.Calls(a.Gate); got != a.Count {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d calls through %s", a.Count, a.Gate),
			Actual:   fmt.Sprintf("%d calls", got),
		}
	}
	return nil
}

func assertListContains(st optimistic.ListState[remote.Entity], a Assertion) error {
	e, ok := st.Get(a.Key)
	if !ok {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s contains %s", a.Kind, a.Key),
			Actual:   fmt.Sprintf("keys %v", st.Keys()),
		}
	}
	if !matchFields(e.Fields, a.Fields) {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s/%s with fields %s", a.Kind, a.Key, formatFields(a.Fields)),
			Actual:   "fields " + formatFields(e.Fields),
		}
	}
	return nil
}

func assertListAbsent(st optimistic.ListState[remote.Entity], a Assertion) error {
	if _, ok := st.Get(a.Key); ok {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s without %s", a.Kind, a.Key),
			Actual:   fmt.Sprintf("keys %v", st.Keys()),
		}
	}
	return nil
}

func assertListOrder(st optimistic.ListState[remote.Entity], a Assertion) error {
	got := st.Keys()
	if !slices.Equal(got, a.Keys) && !(len(got) == 0 && len(a.Keys) == 0) {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("keys %v", a.Keys),
			Actual:   fmt.Sprintf("keys %v", got),
		}
	}
	return nil
}

func assertErrorCode(outcomes map[int]string, a Assertion) error {
	if got := outcomes[a.Step]; got != a.Code {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("step %d outcome %s", a.Step, a.Code),
			Actual:   fmt.Sprintf("outcome %q", got),
		}
	}
	return nil
}

func assertRemoteContains(store *testutil.FakeStore, a Assertion) error {
	e, ok := store.Entity(a.Kind, a.Key)
	if !ok {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("remote %s/%s", a.Kind, a.Key),
			Actual:   "not found",
		}
	}
	if !matchFields(e.Fields, a.Fields) {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("remote %s/%s with fields %s", a.Kind, a.Key, formatFields(a.Fields)),
			Actual:   "fields " + formatFields(e.Fields),
		}
	}
	return nil
}

// matchFields checks if actual contains all expected fields (subset match).
// Extra keys in actual are ignored.
func matchFields(actual, expected map[string]any) bool {
	for key, want := range expected {
		got, exists := actual[key]
		if !exists || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

// valuesEqual compares two field values, treating every integer type as
// the same number.
func valuesEqual(actual, expected any) bool {
	ai, aok := asInt64(actual)
	ei, eok := asInt64(expected)
	if aok && eok {
		return ai == ei
	}
	return reflect.DeepEqual(actual, expected)
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	default:
		return 0, false
	}
}

// formatFields renders fields with sorted keys for stable messages.
func formatFields(fields map[string]any) string {
	if len(fields) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}
