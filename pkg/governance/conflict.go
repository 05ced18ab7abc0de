package governance

import (
	"sort"

	"github.com/droverhq/drover/pkg/types"
)

// conflictMatrix is the static table of decision pairs that cannot
// stand together. Keys are the two decisions in sorted order. Pairs
// absent from the table are compatible.
var conflictMatrix = map[[2]string]types.ConflictKind{
	{types.DecisionAbort, types.DecisionProceed}:  types.ConflictHard,
	{types.DecisionHold, types.DecisionProceed}:   types.ConflictSoft,
	{types.DecisionProceed, types.DecisionRevise}: types.ConflictSoft,
	{types.DecisionAbort, types.DecisionRevise}:   types.ConflictSoft,
}

func matrixLookup(a, b string) (types.ConflictKind, bool) {
	if a == "" || b == "" {
		return "", false
	}
	pair := [2]string{a, b}
	if pair[0] > pair[1] {
		pair[0], pair[1] = pair[1], pair[0]
	}
	kind, ok := conflictMatrix[pair]
	return kind, ok
}

// Conflicts detects contradictions among a set of step reports:
// declared claims first, then pairs derived from the matrix over the
// reports' decisions. Each node pair is reported once; a declared
// claim wins over a derived finding for the same pair.
func Conflicts(reports []types.StepReport) (hard, soft []types.ConflictPair) {
	byNode := make(map[string]*types.StepReport, len(reports))
	for i := range reports {
		byNode[reports[i].NodeID] = &reports[i]
	}

	seen := make(map[[2]string]bool)
	add := func(pair types.ConflictPair) {
		key := [2]string{pair.NodeA, pair.NodeB}
		if key[0] > key[1] {
			key[0], key[1] = key[1], key[0]
		}
		if seen[key] {
			return
		}
		seen[key] = true
		pair.NodeA, pair.NodeB = key[0], key[1]
		if pair.Kind == types.ConflictHard {
			hard = append(hard, pair)
		} else {
			soft = append(soft, pair)
		}
	}

	// Declared claims. A claim against an unknown node still counts:
	// the declarer saw something the window does not show.
	for _, r := range reports {
		for _, claim := range r.Conflicts {
			kind := types.ConflictSoft
			if other, ok := byNode[claim.NodeID]; ok {
				if k, found := matrixLookup(r.Decision, other.Decision); found {
					kind = k
				}
			}
			add(types.ConflictPair{
				NodeA:  r.NodeID,
				NodeB:  claim.NodeID,
				Kind:   kind,
				Source: "declared",
				Reason: claim.Reason,
			})
		}
	}

	// Derived from the matrix over decision pairs
	ids := make([]string, 0, len(byNode))
	for id := range byNode {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			a, b := byNode[ids[i]], byNode[ids[j]]
			if a.Status == types.ReportSkipped || b.Status == types.ReportSkipped {
				continue
			}
			if kind, found := matrixLookup(a.Decision, b.Decision); found {
				add(types.ConflictPair{
					NodeA:  a.NodeID,
					NodeB:  b.NodeID,
					Kind:   kind,
					Source: "derived",
					Reason: a.Decision + " vs " + b.Decision,
				})
			}
		}
	}
	return hard, soft
}
