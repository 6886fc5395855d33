package sync

import (
	"sort"

	"github.com/schaermu/configmapsyncd/internal/desired"
	"github.com/schaermu/configmapsyncd/internal/kube"
)

// ActionKind distinguishes upserts from deletes
type ActionKind int

const (
	// Upsert creates the ConfigMap or replaces it in full
	Upsert ActionKind = iota
	// Delete removes an owned ConfigMap that is no longer desired
	Delete
)

func (k ActionKind) String() string {
	switch k {
	case Upsert:
		return "upsert"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// Action is one step of a namespace plan
type Action struct {
	Kind ActionKind
	Name string
	// Object is the desired definition; set for upserts only
	Object desired.ConfigMap
	// Remote is the last observed remote snapshot, nil if the name was not
	// present when listing
	Remote *kube.Snapshot
}

// Plan is the ordered list of actions for one namespace
type Plan struct {
	Actions []Action
}

// Counts returns the number of upserts and deletes in the plan
func (p Plan) Counts() (upserts, deletes int) {
	for _, a := range p.Actions {
		switch a.Kind {
		case Upsert:
			upserts++
		case Delete:
			deletes++
		}
	}
	return upserts, deletes
}

// BuildPlan computes the actions that make the namespace match want. Every
// desired ConfigMap is upserted; every owned ConfigMap that is not desired is
// deleted. Remote objects that are neither owned nor desired are left alone.
// All upserts precede all deletes.
func BuildPlan(want desired.Set, all, owned map[string]kube.Snapshot) Plan {
	plan := Plan{Actions: make([]Action, 0, len(want))}

	for _, name := range want.Names() {
		action := Action{Kind: Upsert, Name: name, Object: want[name]}
		if snap, ok := all[name]; ok {
			action.Remote = &snap
		}
		plan.Actions = append(plan.Actions, action)
	}

	var stale []string
	for name := range owned {
		if _, ok := want[name]; !ok {
			stale = append(stale, name)
		}
	}
	sort.Strings(stale)

	for _, name := range stale {
		snap := owned[name]
		plan.Actions = append(plan.Actions, Action{Kind: Delete, Name: name, Remote: &snap})
	}

	return plan
}
