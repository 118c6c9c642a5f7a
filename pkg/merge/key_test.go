package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/design4music/sni-platform/pkg/models"
)

func TestComputeKeyDeterministic(t *testing.T) {
	k1 := ComputeKey("EUROPE", "DIPLOMACY")
	k2 := ComputeKey("EUROPE", "DIPLOMACY")
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 64) // hex-encoded SHA-256
}

func TestComputeKeyDistinguishesPairs(t *testing.T) {
	assert.NotEqual(t,
		ComputeKey("EUROPE", "DIPLOMACY"),
		ComputeKey("EUROPE", "MILITARY_OP"))
	assert.NotEqual(t,
		ComputeKey("EUROPE", "DIPLOMACY"),
		ComputeKey("MIDEAST", "DIPLOMACY"))
	// The delimiter keeps concatenation ambiguity out of the key.
	assert.NotEqual(t,
		ComputeKey("A", "BC"),
		ComputeKey("AB", "C"))
}

func TestTitleSetHashOrderIndependent(t *testing.T) {
	a := &models.EventFamily{TitleIDs: []string{"t1", "t2", "t3"}}
	b := &models.EventFamily{TitleIDs: []string{"t3", "t1", "t2"}}
	assert.Equal(t, TitleSetHash(a), TitleSetHash(b))

	c := &models.EventFamily{TitleIDs: []string{"t1", "t2"}}
	assert.NotEqual(t, TitleSetHash(a), TitleSetHash(c))
}
