package testutil

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/roach88/tillsync/internal/remote"
)

// SessionGate names the gate and call counter for FetchSession.
const SessionGate = "session"

// EntityGate names the gate and call counter for FetchEntity(kind, id).
func EntityGate(kind, id string) string {
	return "entity:" + kind + "/" + id
}

// MutateGate names the gate and call counter for Mutate on kind/id.
// Inserts without a client id use an empty id.
func MutateGate(kind, id string) string {
	return "mutate:" + kind + "/" + id
}

// Remote error codes returned by FakeStore's built-in mutation rules.
const (
	CodeDuplicate = "23505"
	CodeNotFound  = "PGRST116"
)

// ErrUnavailable is a convenient transport failure for tests.
var ErrUnavailable = errors.New("fake store: unavailable")

// FakeStore is an in-memory remote.Store with controllable timing.
//
// Every store call passes through a named gate first (see SessionGate,
// EntityGate, MutateGate). Hold closes a gate so calls block until Release,
// which lets tests interleave concurrent work deterministically. Calls
// counts every call per gate, held or not.
//
// Thread-safety: All methods are safe for concurrent use.
type FakeStore struct {
	mu sync.Mutex

	session    *remote.SessionInfo
	sessionErr error

	entities   map[string]map[string]remote.Entity
	entityErrs map[string]error
	mutateErrs map[string]error
	rejects    map[string]remote.ErrorInfo

	handlers     map[int]func(remote.AuthEvent)
	nextHandler  int
	subscribes   int
	unsubscribes int

	gates   map[string]chan struct{}
	waiting map[string]int
	calls   map[string]int

	ids *SequentialIDs
}

// NewFakeStore creates an empty, signed-out store. Server-assigned ids are
// srv-1, srv-2, ...
func NewFakeStore() *FakeStore {
	return &FakeStore{
		entities:   make(map[string]map[string]remote.Entity),
		entityErrs: make(map[string]error),
		mutateErrs: make(map[string]error),
		rejects:    make(map[string]remote.ErrorInfo),
		handlers:   make(map[int]func(remote.AuthEvent)),
		gates:      make(map[string]chan struct{}),
		waiting:    make(map[string]int),
		calls:      make(map[string]int),
		ids:        NewSequentialIDs("srv"),
	}
}

// SetSession sets the session returned by FetchSession. nil means signed out.
func (s *FakeStore) SetSession(info *remote.SessionInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if info == nil {
		s.session = nil
		return
	}
	cp := *info
	s.session = &cp
}

// FailSession makes FetchSession return err. nil clears the failure.
func (s *FakeStore) FailSession(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionErr = err
}

// PutEntity stores e, replacing any entity with the same kind and id.
func (s *FakeStore) PutEntity(e remote.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(e.Clone())
}

// PutUser stores a user record.
func (s *FakeStore) PutUser(id, role string, profile map[string]string) {
	fields := map[string]any{"role": role}
	for k, v := range profile {
		fields[k] = v
	}
	s.PutEntity(remote.Entity{Kind: remote.KindUser, ID: id, Fields: fields})
}

// Entity returns the stored entity, if any.
func (s *FakeStore) Entity(kind, id string) (remote.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[kind][id]
	if !ok {
		return remote.Entity{}, false
	}
	return e.Clone(), true
}

// Entities returns every entity of kind ordered by id.
func (s *FakeStore) Entities(kind string) []remote.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]remote.Entity, 0, len(s.entities[kind]))
	for _, e := range s.entities[kind] {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FailEntity makes FetchEntity(kind, id) return err. nil clears it.
func (s *FakeStore) FailEntity(kind, id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	setOrClear(s.entityErrs, EntityGate(kind, id), err)
}

// FailMutate makes Mutate on kind/id return err. nil clears it.
func (s *FakeStore) FailMutate(kind, id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	setOrClear(s.mutateErrs, MutateGate(kind, id), err)
}

// Reject makes Mutate on kind/id answer with an error payload until
// ClearReject.
func (s *FakeStore) Reject(kind, id, code, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejects[MutateGate(kind, id)] = remote.ErrorInfo{Code: code, Message: message}
}

// ClearReject removes a rejection installed by Reject.
func (s *FakeStore) ClearReject(kind, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rejects, MutateGate(kind, id))
}

// Hold closes gate. Calls reaching it block until Release or until their
// context is cancelled.
func (s *FakeStore) Hold(gate string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.gates[gate]; !ok {
		s.gates[gate] = make(chan struct{})
	}
}

// Release opens gate and unblocks every call waiting on it.
func (s *FakeStore) Release(gate string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.gates[gate]; ok {
		close(ch)
		delete(s.gates, gate)
	}
}

// Waiting returns how many calls are blocked on gate.
func (s *FakeStore) Waiting(gate string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiting[gate]
}

// Calls returns how many calls have reached gate.
func (s *FakeStore) Calls(gate string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[gate]
}

// Emit delivers ev synchronously to every subscribed handler.
func (s *FakeStore) Emit(ev remote.AuthEvent) {
	s.mu.Lock()
	ids := make([]int, 0, len(s.handlers))
	for id := range s.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]func(remote.AuthEvent), 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, s.handlers[id])
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

// Subscribers returns the number of active event subscriptions.
func (s *FakeStore) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}

// SubscribeCalls returns how many subscriptions were ever acquired.
func (s *FakeStore) SubscribeCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribes
}

// UnsubscribeCalls returns how many subscriptions were released.
func (s *FakeStore) UnsubscribeCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribes
}

// FetchSession implements remote.Store.
func (s *FakeStore) FetchSession(ctx context.Context) (*remote.SessionInfo, error) {
	if err := s.pass(ctx, SessionGate); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionErr != nil {
		return nil, s.sessionErr
	}
	if s.session == nil {
		return nil, nil
	}
	cp := *s.session
	return &cp, nil
}

// FetchEntity implements remote.Store.
func (s *FakeStore) FetchEntity(ctx context.Context, kind, id string) (remote.Entity, error) {
	gate := EntityGate(kind, id)
	if err := s.pass(ctx, gate); err != nil {
		return remote.Entity{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.entityErrs[gate]; err != nil {
		return remote.Entity{}, err
	}
	e, ok := s.entities[kind][id]
	if !ok {
		return remote.Entity{}, remote.ErrNotFound
	}
	return e.Clone(), nil
}

// SubscribeToEvents implements remote.Store.
func (s *FakeStore) SubscribeToEvents(handler func(remote.AuthEvent)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandler++
	id := s.nextHandler
	s.handlers[id] = handler
	s.subscribes++

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.handlers, id)
			s.unsubscribes++
		})
	}
}

// Mutate implements remote.Store.
//
// Without scripted failures it behaves like a table: inserts of an existing
// id and updates or deletes of a missing id are rejected with CodeDuplicate
// and CodeNotFound payloads.
func (s *FakeStore) Mutate(ctx context.Context, d remote.Descriptor) (remote.MutationResult, error) {
	gate := MutateGate(d.Kind, d.ID)
	if err := s.pass(ctx, gate); err != nil {
		return remote.MutationResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mutateErrs[gate]; err != nil {
		return remote.MutationResult{}, err
	}
	if info, ok := s.rejects[gate]; ok {
		return remote.MutationResult{Error: &info}, nil
	}

	existing, exists := s.entities[d.Kind][d.ID]
	switch d.Op {
	case remote.OpInsert:
		id := d.ID
		if id == "" {
			id = s.ids.Next()
		} else if exists {
			return rejected(CodeDuplicate, "duplicate key value"), nil
		}
		e := remote.Entity{Kind: d.Kind, ID: id, Fields: d.Fields}.Clone()
		s.put(e)
		out := e.Clone()
		return remote.MutationResult{Data: &out}, nil

	case remote.OpUpdate:
		if !exists {
			return rejected(CodeNotFound, "no rows updated"), nil
		}
		e := existing.Clone()
		if e.Fields == nil {
			e.Fields = make(map[string]any, len(d.Fields))
		}
		for k, v := range d.Fields {
			e.Fields[k] = v
		}
		s.put(e)
		out := e.Clone()
		return remote.MutationResult{Data: &out}, nil

	case remote.OpDelete:
		if !exists {
			return rejected(CodeNotFound, "no rows deleted"), nil
		}
		delete(s.entities[d.Kind], d.ID)
		return remote.MutationResult{}, nil

	default:
		return rejected("22023", "unsupported operation "+string(d.Op)), nil
	}
}

func (s *FakeStore) put(e remote.Entity) {
	byID, ok := s.entities[e.Kind]
	if !ok {
		byID = make(map[string]remote.Entity)
		s.entities[e.Kind] = byID
	}
	byID[e.ID] = e
}

// pass counts the call and blocks while gate is held.
func (s *FakeStore) pass(ctx context.Context, gate string) error {
	s.mu.Lock()
	s.calls[gate]++
	ch, held := s.gates[gate]
	if held {
		s.waiting[gate]++
	}
	s.mu.Unlock()

	if !held {
		return ctx.Err()
	}

	defer func() {
		s.mu.Lock()
		s.waiting[gate]--
		if s.waiting[gate] <= 0 {
			delete(s.waiting, gate)
		}
		s.mu.Unlock()
	}()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func rejected(code, message string) remote.MutationResult {
	return remote.MutationResult{Error: &remote.ErrorInfo{Code: code, Message: message}}
}

func setOrClear(m map[string]error, key string, err error) {
	if err == nil {
		delete(m, key)
		return
	}
	m[key] = err
}
