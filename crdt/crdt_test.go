package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVClockHappensBefore(t *testing.T) {
	a := VClock{"n1": 1, "n2": 2}
	b := a.Increment("n1")

	assert.True(t, a.HappensBefore(b))
	assert.False(t, b.HappensBefore(a))
	assert.False(t, a.Concurrent(b))
}

func TestVClockConcurrent(t *testing.T) {
	a := VClock{"n1": 2, "n2": 1}
	b := VClock{"n1": 1, "n2": 2}

	assert.True(t, a.Concurrent(b))
	assert.False(t, a.HappensBefore(b))
	assert.False(t, b.HappensBefore(a))
}

func TestVClockMerge(t *testing.T) {
	a := VClock{"n1": 3, "n2": 1}
	b := VClock{"n1": 1, "n2": 5, "n3": 2}

	merged := a.Merge(b)
	assert.Equal(t, uint64(3), merged["n1"])
	assert.Equal(t, uint64(5), merged["n2"])
	assert.Equal(t, uint64(2), merged["n3"])
	// originals untouched
	assert.Equal(t, uint64(1), a["n2"])
}

func TestPNCounterValue(t *testing.T) {
	c := NewPNCounter()
	c.Increment("n1", 5)
	c.Increment("n2", 3)
	c.Decrement("n1", 2)

	assert.Equal(t, int64(6), c.Value())
}

func TestPNCounterMergeTakesMax(t *testing.T) {
	a := NewPNCounter()
	b := NewPNCounter()
	a.Increment("n1", 4)
	b.Increment("n1", 9) // higher, should win after merge
	b.Decrement("n2", 1)

	a.Merge(b)
	assert.Equal(t, int64(8), a.Value()) // 9 - 1
}

func TestORSetAddContainsRemove(t *testing.T) {
	s := NewORSet()
	s.Add("sticky-1", "node-a")

	assert.True(t, s.Contains("sticky-1"))
	s.Remove("sticky-1")
	assert.False(t, s.Contains("sticky-1"))
}

func TestORSetConcurrentAddWinsOverRemove(t *testing.T) {
	a := NewORSet()
	b := NewORSet()

	tag := a.Add("sticky-1", "node-a")
	_ = tag
	b.Merge(a)
	b.Remove("sticky-1") // b only saw a's tag, clears it

	// node-a concurrently adds again under a fresh tag before merging
	a.Add("sticky-1", "node-a")

	b.Merge(a)
	assert.True(t, b.Contains("sticky-1"), "concurrent add must survive a concurrent remove")
}

func TestORSetValuesSorted(t *testing.T) {
	s := NewORSet()
	s.Add("zeta", "n1")
	s.Add("alpha", "n1")
	assert.Equal(t, []string{"alpha", "zeta"}, s.Values())
}

func TestRGAInsertProducesText(t *testing.T) {
	r := NewRGA()
	h := r.Insert(RGANodeID{}, 'h', "node-a")
	e := r.Insert(h.ID, 'e', "node-a")
	r.Insert(e.ID, 'y', "node-a")

	assert.Equal(t, "hey", r.Text())
}

func TestRGADeleteTombstones(t *testing.T) {
	r := NewRGA()
	h := r.Insert(RGANodeID{}, 'h', "node-a")
	r.Insert(h.ID, 'i', "node-a")

	r.Delete(h.ID)
	assert.Equal(t, "i", r.Text())
}

func TestRGAConcurrentInsertsAtSamePositionConverge(t *testing.T) {
	a := NewRGA()
	b := NewRGA()

	// both replicas start from the same single character
	root := a.Insert(RGANodeID{}, 'x', "seed")
	require.NoError(t, b.Apply(root))

	// node-a and node-b each insert a different character right after root,
	// concurrently, without having seen each other's op yet
	opA := a.Insert(root.ID, 'A', "node-a")
	opB := b.Insert(root.ID, 'B', "node-b")

	require.NoError(t, a.Apply(opB))
	require.NoError(t, b.Apply(opA))

	assert.Equal(t, a.Text(), b.Text(), "replicas must converge on the same text")
}
