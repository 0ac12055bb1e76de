package clock

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUUIDGenPrefix(t *testing.T) {
	gen := UUIDGen{}

	id := gen.NewId("inc")
	assert.Regexp(t, `^inc_[0-9a-f-]{36}$`, id)
	assert.LessOrEqual(t, len(id), 64)

	// No prefix means bare uuid
	bare := gen.NewId("")
	assert.Len(t, bare, 36)
}

func TestUUIDGenTimeOrdered(t *testing.T) {
	gen := UUIDGen{}

	ids := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		ids = append(ids, gen.NewId("inc"))
		time.Sleep(time.Millisecond)
	}

	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	assert.Equal(t, sorted, ids, "v7 ids should already be in lexicographic order")
}

func TestFakeClockAdvance(t *testing.T) {
	start := time.Date(2025, 10, 25, 12, 0, 0, 0, time.UTC)
	fc := NewFake(start)

	require.Equal(t, start, fc.Now())

	fc.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), fc.Now())

	fc.Set(start)
	assert.Equal(t, start, fc.Now())
}

func TestSeqIdGen(t *testing.T) {
	gen := &SeqIdGen{}

	assert.Equal(t, "inc_000001", gen.NewId("inc"))
	assert.Equal(t, "inc_000002", gen.NewId("inc"))
	assert.Equal(t, "000003", gen.NewId(""))
}
