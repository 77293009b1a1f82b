package mirror

import (
	"sort"

	"pocketmirror/internal/chat"
)

// Scoring weights for conversation identity reconciliation. Fingerprints
// survive renames and cross-window moves, names do not, so a fingerprint
// match must dominate any combination of name evidence. The relative order
// is what matters; the absolute values are tunable.
const (
	scoreFingerprint = 3
	scoreName        = 1
)

// Match pairs a disappeared conversation with the appeared entry that is the
// same conversation under a new id.
type Match struct {
	OldID string
	New   chat.ConversationInfo
}

type scoredPair struct {
	old   int
	nu    int
	score int
}

// Reconcile matches conversations that vanished from a scan against ones
// that appeared in the same scan. A pair is accepted only when its score is
// the unique best claim on both of its endpoints; ambiguous ties are left
// unmatched so the caller reports a genuine close plus a genuine new rather
// than guessing.
func Reconcile(disappeared, appeared []chat.ConversationInfo) []Match {
	if len(disappeared) == 0 || len(appeared) == 0 {
		return nil
	}

	var pairs []scoredPair
	for oi, old := range disappeared {
		for ni, nu := range appeared {
			score := 0
			if old.Fingerprint != "" && old.Fingerprint == nu.Fingerprint {
				score += scoreFingerprint
			}
			if old.Name != "" && old.Name == nu.Name {
				score += scoreName
			}
			if score > 0 {
				pairs = append(pairs, scoredPair{old: oi, nu: ni, score: score})
			}
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		if pairs[i].score != pairs[j].score {
			return pairs[i].score > pairs[j].score
		}
		if pairs[i].old != pairs[j].old {
			return pairs[i].old < pairs[j].old
		}
		return pairs[i].nu < pairs[j].nu
	})

	var matches []Match
	takenOld := make(map[int]bool)
	takenNew := make(map[int]bool)

	for i := 0; i < len(pairs); {
		score := pairs[i].score
		j := i
		for j < len(pairs) && pairs[j].score == score {
			j++
		}

		// Within one score level, count live claims per endpoint; a pair is
		// unambiguous only if it is the sole claimant of both its endpoints.
		oldClaims := make(map[int]int)
		newClaims := make(map[int]int)
		for _, p := range pairs[i:j] {
			if takenOld[p.old] || takenNew[p.nu] {
				continue
			}
			oldClaims[p.old]++
			newClaims[p.nu]++
		}
		for _, p := range pairs[i:j] {
			if takenOld[p.old] || takenNew[p.nu] {
				continue
			}
			if oldClaims[p.old] == 1 && newClaims[p.nu] == 1 {
				matches = append(matches, Match{OldID: disappeared[p.old].ID, New: appeared[p.nu]})
			}
			// Tied endpoints are consumed without a match so a weaker pair
			// cannot claim them later.
			takenOld[p.old] = true
			takenNew[p.nu] = true
		}
		i = j
	}
	return matches
}
