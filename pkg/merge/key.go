// Package merge computes classification keys and folds candidate Event
// Families into survivors. The engine is a pure function over EF records:
// no I/O, no LLM, no clock reads — callers inject stored state and time.
package merge

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/design4music/sni-platform/pkg/models"
)

// keyDelimiter separates the classification fields in the canonical key
// input. It cannot occur in vocabulary tokens (upper-snake only).
const keyDelimiter = "|"

// ComputeKey returns the hex-encoded SHA-256 of the canonical
// "THEATER|EVENT_TYPE" string. EFs merge only when their keys are equal
// (split siblings sharing a parent stay apart even then); the key is a
// pure function of the classification pair.
func ComputeKey(theater, eventType string) string {
	sum := sha256.Sum256([]byte(theater + keyDelimiter + eventType))
	return hex.EncodeToString(sum[:])
}

// TitleSetHash returns the hex-encoded SHA-256 of the sorted title id
// set. Used as the final deterministic tie-break when ordering EFs that
// agree on title count and earliest publication instant.
func TitleSetHash(ef *models.EventFamily) string {
	ids := ef.SortedTitleIDs()
	sum := sha256.Sum256([]byte(strings.Join(ids, "\n")))
	return hex.EncodeToString(sum[:])
}

// orderEFs sorts EFs into the deterministic merge order: largest title
// count first, then earliest minimum published_at, then lexicographic
// title set hash. The result is a function of the EF set, not of
// arrival order.
func orderEFs(efs []*models.EventFamily) {
	sort.SliceStable(efs, func(i, j int) bool {
		a, b := efs[i], efs[j]
		if len(a.TitleIDs) != len(b.TitleIDs) {
			return len(a.TitleIDs) > len(b.TitleIDs)
		}
		if !a.EarliestPublishedAt.Equal(b.EarliestPublishedAt) {
			return a.EarliestPublishedAt.Before(b.EarliestPublishedAt)
		}
		return TitleSetHash(a) < TitleSetHash(b)
	})
}
