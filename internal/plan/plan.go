package plan

import (
	"fmt"

	"dopcast/internal/stage"
	"dopcast/internal/state"
)

// Registry holds the stage handlers available for plan compilation.
type Registry struct {
	handlers map[string]stage.Handler
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]stage.Handler)}
}

// Register adds a handler, rejecting duplicate stage names.
func (r *Registry) Register(h stage.Handler) error {
	name := h.Descriptor().Name
	if name == "" {
		return fmt.Errorf("stage handler has empty name")
	}
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("stage %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// Get returns the handler for a stage name.
func (r *Registry) Get(name string) (stage.Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// Predicate decides per run whether a conditional stage participates in the
// plan. It is evaluated against the run's initial state at compile time.
type Predicate func(*state.State) bool

// StageSpec names one stage in the ordered pipeline specification. A nil
// When predicate means the stage always runs.
type StageSpec struct {
	Name string
	When Predicate
}

// Spec is the ordering/branching specification handed to the compiler.
type Spec struct {
	Stages []StageSpec
	// Terminal lists the namespaces a completed run must have produced.
	Terminal []state.Namespace
}

// CompiledStage is one executable step of a validated plan.
type CompiledStage struct {
	Index      int
	Name       string
	Handler    stage.Handler
	Descriptor stage.Descriptor
}

// Plan is a validated, ordered pipeline ready for execution.
type Plan struct {
	Stages []CompiledStage
}

// Compile validates spec against the registry for one run. initial is the
// run's initial state; conditional stages are pruned against it and the
// dataflow is validated over the retained stages only.
func Compile(reg *Registry, spec Spec, initial *state.State) (*Plan, error) {
	if len(spec.Stages) == 0 {
		return nil, fmt.Errorf("plan spec has no stages")
	}
	if initial == nil {
		initial = state.New(nil)
	}

	seen := make(map[string]struct{}, len(spec.Stages))
	retained := make([]CompiledStage, 0, len(spec.Stages))
	for _, ss := range spec.Stages {
		if _, dup := seen[ss.Name]; dup {
			return nil, fmt.Errorf("stage %q appears twice in plan", ss.Name)
		}
		seen[ss.Name] = struct{}{}

		handler, ok := reg.Get(ss.Name)
		if !ok {
			return nil, fmt.Errorf("stage %q not registered", ss.Name)
		}
		if ss.When != nil && !ss.When(initial) {
			continue
		}
		retained = append(retained, CompiledStage{
			Name:       ss.Name,
			Handler:    handler,
			Descriptor: handler.Descriptor(),
		})
	}
	if len(retained) == 0 {
		return nil, fmt.Errorf("plan has no stages after conditional pruning")
	}

	if err := validateDataflow(retained, initial, spec.Terminal); err != nil {
		return nil, err
	}

	for i := range retained {
		retained[i].Index = i
	}
	return &Plan{Stages: retained}, nil
}

// validateDataflow walks the retained stages in order, confirming every
// required namespace was produced earlier (or arrived with the request) and
// that no two stages claim the same output namespace. Because stage order is
// explicit, a dependency on a namespace produced only by a later stage is
// exactly how a cycle would surface, and is rejected here.
func validateDataflow(stages []CompiledStage, initial *state.State, terminal []state.Namespace) error {
	produced := make(map[state.Namespace]string)
	available := make(map[state.Namespace]struct{})
	for _, ns := range initial.Namespaces() {
		available[ns] = struct{}{}
	}

	for _, cs := range stages {
		desc := cs.Descriptor
		if len(desc.Produces) == 0 {
			return fmt.Errorf("stage %q declares no output namespaces", cs.Name)
		}
		for _, ns := range desc.Requires {
			if _, ok := available[ns]; !ok {
				if owner, later := findProducer(stages, ns); later && owner != cs.Name {
					return fmt.Errorf("stage %q requires namespace %q produced only by later stage %q", cs.Name, ns, owner)
				}
				return fmt.Errorf("stage %q requires namespace %q which no earlier stage produces and the request does not supply", cs.Name, ns)
			}
		}
		for _, ns := range desc.Produces {
			if owner, taken := produced[ns]; taken {
				return fmt.Errorf("namespace %q produced by both %q and %q", ns, owner, cs.Name)
			}
			if _, preexisting := available[ns]; preexisting {
				return fmt.Errorf("stage %q would overwrite request namespace %q", cs.Name, ns)
			}
			produced[ns] = cs.Name
			available[ns] = struct{}{}
		}
	}

	for _, ns := range terminal {
		if _, ok := available[ns]; !ok {
			return fmt.Errorf("terminal namespace %q is not reachable in this plan", ns)
		}
	}
	return nil
}

func findProducer(stages []CompiledStage, ns state.Namespace) (string, bool) {
	for _, cs := range stages {
		for _, out := range cs.Descriptor.Produces {
			if out == ns {
				return cs.Name, true
			}
		}
	}
	return "", false
}
