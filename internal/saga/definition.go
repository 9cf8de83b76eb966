package saga

import (
	"fmt"
	"time"

	"go.relaykit.dev/internal/message"
)

// Guard decides whether a binding applies to this instance and event.
type Guard func(inst *Instance, env *message.Envelope) bool

// Mutator updates the saga's Data during a transition.
type Mutator func(inst *Instance, env *message.Envelope)

// actionKind is what a binding does to the instance.
type actionKind int

const (
	actionTransition actionKind = iota
	actionComplete
	actionCompensate
)

// binding is one (state, event) entry of the state machine.
type binding struct {
	state string
	event string
	guard Guard

	action           actionKind
	nextState        string
	compensateReason string

	// scheduleSet arms TimeoutAt on top of the action; a zero timeout
	// falls back to the per-type default.
	scheduleSet bool
	timeout     time.Duration

	mutate Mutator
}

func (b *binding) actionLabel() string {
	switch b.action {
	case actionComplete:
		return "complete"
	case actionCompensate:
		return "compensate"
	default:
		return "transition"
	}
}

type stateEvent struct {
	state string
	event string
}

// Definition is a saga state machine. Build it with StartWith and From;
// the orchestrator evaluates it per incoming event.
type Definition struct {
	sagaType     string
	initialEvent string
	bindings     map[stateEvent][]*binding
}

// NewDefinition creates an empty state machine for the saga type tag.
func NewDefinition(sagaType string) *Definition {
	return &Definition{
		sagaType: sagaType,
		bindings: make(map[stateEvent][]*binding),
	}
}

// SagaType returns the type tag.
func (d *Definition) SagaType() string { return d.sagaType }

// StartWith declares the initial trigger: an event that, arriving with no
// existing instance, creates one and transitions it to state. The returned
// builder configures the initial transition (guards, Schedule, Do).
func (d *Definition) StartWith(event, state string) *TransitionBuilder {
	d.initialEvent = event
	return d.From(InitialState).On(event).TransitionTo(state)
}

// From begins a binding for transitions out of state.
func (d *Definition) From(state string) *StateBuilder {
	return &StateBuilder{def: d, state: state}
}

// handlesEvent reports whether any binding listens for the event name.
func (d *Definition) handlesEvent(event string) bool {
	if event == d.initialEvent {
		return true
	}
	for key := range d.bindings {
		if key.event == event {
			return true
		}
	}
	return false
}

// evaluate returns the first binding for (state, event) whose guard passes.
func (d *Definition) evaluate(inst *Instance, env *message.Envelope) (*binding, bool) {
	candidates := d.bindings[stateEvent{state: inst.CurrentState, event: env.Name}]
	for _, b := range candidates {
		if b.guard == nil || b.guard(inst, env) {
			return b, true
		}
	}
	return nil, false
}

// validate checks the definition is usable.
func (d *Definition) validate() error {
	if d.sagaType == "" {
		return fmt.Errorf("saga: definition needs a saga type")
	}
	if d.initialEvent == "" {
		return fmt.Errorf("saga %q: StartWith was never called", d.sagaType)
	}
	return nil
}

// StateBuilder scopes bindings to a source state.
type StateBuilder struct {
	def   *Definition
	state string
}

// On registers a binding for an event in this state. The binding defaults
// to staying in place until an action is set.
func (sb *StateBuilder) On(event string) *TransitionBuilder {
	b := &binding{state: sb.state, event: event, nextState: sb.state}
	key := stateEvent{state: sb.state, event: event}
	sb.def.bindings[key] = append(sb.def.bindings[key], b)
	return &TransitionBuilder{def: sb.def, b: b}
}

// OnTimeout registers a binding for the synthetic timeout event.
func (sb *StateBuilder) OnTimeout() *TransitionBuilder {
	return sb.On(TimeoutEvent)
}

// TransitionBuilder configures a single binding.
type TransitionBuilder struct {
	def *Definition
	b   *binding
}

// When attaches a guard. Among multiple bindings for the same (state,
// event), the first whose guard passes wins.
func (tb *TransitionBuilder) When(guard Guard) *TransitionBuilder {
	tb.b.guard = guard
	return tb
}

// TransitionTo moves the saga to state.
func (tb *TransitionBuilder) TransitionTo(state string) *TransitionBuilder {
	tb.b.action = actionTransition
	tb.b.nextState = state
	return tb
}

// Complete ends the saga successfully.
func (tb *TransitionBuilder) Complete() *TransitionBuilder {
	tb.b.action = actionComplete
	return tb
}

// Compensate ends the saga via its compensation path, recording why.
func (tb *TransitionBuilder) Compensate(reason string) *TransitionBuilder {
	tb.b.action = actionCompensate
	tb.b.compensateReason = reason
	return tb
}

// Schedule arms a timeout after the transition: if no further event
// arrives within d, the poller delivers a synthetic TimeoutEvent. A zero
// duration uses the per-type default registered with the orchestrator.
func (tb *TransitionBuilder) Schedule(d time.Duration) *TransitionBuilder {
	tb.b.scheduleSet = true
	tb.b.timeout = d
	return tb
}

// Do attaches a data mutator that runs before the instance is saved.
func (tb *TransitionBuilder) Do(fn Mutator) *TransitionBuilder {
	tb.b.mutate = fn
	return tb
}

// From starts another binding, letting definitions chain fluently.
func (tb *TransitionBuilder) From(state string) *StateBuilder {
	return tb.def.From(state)
}

// Definition returns the definition being built.
func (tb *TransitionBuilder) Definition() *Definition {
	return tb.def
}
