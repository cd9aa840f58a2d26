package outcome

import (
	"fmt"
	"sort"

	"github.com/vigilstack/vigil-agent/internal/models"
)

// actionStats accumulates outcome history for one action.
type actionStats struct {
	runs      int
	confirmed int
	accuracy  float64
}

// Lessons condenses outcome history into per-action statistics the oracle
// can digest on the next cycle. Actions are reported worst first so the most
// instructive failures lead.
func Lessons(records []models.OutcomeRecord) []string {
	if len(records) == 0 {
		return nil
	}

	byAction := map[string]*actionStats{}
	for _, r := range records {
		st, ok := byAction[r.ActionName]
		if !ok {
			st = &actionStats{}
			byAction[r.ActionName] = st
		}
		st.runs++
		if r.HypothesisConfirmed {
			st.confirmed++
		}
		st.accuracy += r.AccuracyScore
	}

	names := make([]string, 0, len(byAction))
	for name := range byAction {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := byAction[names[i]], byAction[names[j]]
		avgA := a.accuracy / float64(a.runs)
		avgB := b.accuracy / float64(b.runs)
		if avgA != avgB {
			return avgA < avgB
		}
		return names[i] < names[j]
	})

	out := make([]string, 0, len(names))
	for _, name := range names {
		st := byAction[name]
		out = append(out, fmt.Sprintf("%s: %d run(s), %d/%d hypotheses confirmed, avg accuracy %.2f",
			name, st.runs, st.confirmed, st.runs, st.accuracy/float64(st.runs)))
	}
	return out
}
