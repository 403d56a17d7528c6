package crdt

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyReplica(t *testing.T) {
	r := Empty()
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.StateVector())
}

func TestMergeNewOperations(t *testing.T) {
	r := Empty()

	u := NewUpdate("client-a", 1, []byte("op1"), []byte("op2"))
	effective, err := r.Merge(u)
	require.NoError(t, err)
	assert.Len(t, effective.Ops, 2)
	assert.Equal(t, 2, r.Len())
	assert.True(t, r.Contains("client-a", 1))
	assert.True(t, r.Contains("client-a", 2))
}

func TestMergeIsIdempotent(t *testing.T) {
	r := Empty()
	u := NewUpdate("client-a", 1, []byte("op1"), []byte("op2"))

	_, err := r.Merge(u)
	require.NoError(t, err)

	effective, err := r.Merge(u)
	require.NoError(t, err)
	assert.True(t, effective.Empty(), "re-merging the same update must be a no-op")
	assert.Equal(t, 2, r.Len())
}

func TestMergePartialOverlap(t *testing.T) {
	r := Empty()
	_, err := r.Merge(NewUpdate("client-a", 1, []byte("op1"), []byte("op2")))
	require.NoError(t, err)

	overlap := NewUpdate("client-a", 2, []byte("op2"), []byte("op3"))
	effective, err := r.Merge(overlap)
	require.NoError(t, err)
	require.Len(t, effective.Ops, 1)
	assert.Equal(t, uint64(3), effective.Ops[0].Seq)
}

func TestMergeIsCommutative(t *testing.T) {
	a := NewUpdate("client-a", 1, []byte("a1"), []byte("a2"))
	b := NewUpdate("client-b", 1, []byte("b1"))

	r1 := Empty()
	_, err := r1.Merge(a)
	require.NoError(t, err)
	_, err = r1.Merge(b)
	require.NoError(t, err)

	r2 := Empty()
	_, err = r2.Merge(b)
	require.NoError(t, err)
	_, err = r2.Merge(a)
	require.NoError(t, err)

	assert.Equal(t, r1.Encode(), r2.Encode(), "merge order must not change the state")
	assert.True(t, r1.StateVector().Equal(r2.StateVector()))
}

func TestMergeRejectsMalformedOperations(t *testing.T) {
	r := Empty()
	_, err := r.Merge(&Update{Ops: []Operation{{Replica: "", Seq: 1}}})
	assert.ErrorIs(t, err, ErrMalformedUpdate)
	assert.Equal(t, 0, r.Len(), "a rejected merge must leave the replica untouched")

	_, err = r.Merge(&Update{Ops: []Operation{{Replica: "client-a", Seq: 0}}})
	assert.ErrorIs(t, err, ErrMalformedUpdate)
	assert.Equal(t, 0, r.Len())
}

func TestMergeBytes(t *testing.T) {
	r := Empty()

	data := NewUpdate("client-a", 1, []byte("op1")).Encode()
	effective, err := r.MergeBytes(data)
	require.NoError(t, err)
	assert.NotNil(t, effective)

	// Second merge of the same bytes is fully redundant.
	effective, err = r.MergeBytes(data)
	require.NoError(t, err)
	assert.Nil(t, effective)
}

func TestMergeBytesErrors(t *testing.T) {
	r := Empty()

	_, err := r.MergeBytes(nil)
	assert.ErrorIs(t, err, ErrEmptyUpdate)

	_, err = r.MergeBytes([]byte("not json"))
	assert.ErrorIs(t, err, ErrMalformedUpdate)
}

func TestStateVectorContiguousPrefix(t *testing.T) {
	r := Empty()

	// Seq 1, 2 and 4: the vector summarizes only the contiguous prefix.
	_, err := r.Merge(&Update{Ops: []Operation{
		{Replica: "client-a", Seq: 1},
		{Replica: "client-a", Seq: 2},
		{Replica: "client-a", Seq: 4},
	}})
	require.NoError(t, err)

	v := r.StateVector()
	assert.Equal(t, uint64(2), v["client-a"])

	// Filling the gap extends the prefix.
	_, err = r.Merge(NewUpdate("client-a", 3, []byte("op3")))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), r.StateVector()["client-a"])
}

func TestDiff(t *testing.T) {
	r := Empty()
	_, err := r.Merge(NewUpdate("client-a", 1, []byte("a1"), []byte("a2")))
	require.NoError(t, err)
	_, err = r.Merge(NewUpdate("client-b", 1, []byte("b1")))
	require.NoError(t, err)

	diff := r.Diff(StateVector{"client-a": 1})
	require.Len(t, diff.Ops, 2)
	assert.Equal(t, "client-a", diff.Ops[0].Replica)
	assert.Equal(t, uint64(2), diff.Ops[0].Seq)
	assert.Equal(t, "client-b", diff.Ops[1].Replica)

	// Diff against our own vector is empty.
	assert.True(t, r.Diff(r.StateVector()).Empty())
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	r := Empty()
	_, err := r.Merge(NewUpdate("client-a", 1, []byte("a1"), []byte("a2")))
	require.NoError(t, err)
	_, err = r.Merge(NewUpdate("client-b", 1, []byte("b1")))
	require.NoError(t, err)

	decoded, err := DecodeState(r.Encode())
	require.NoError(t, err)
	assert.Equal(t, r.Encode(), decoded.Encode())
	assert.True(t, r.StateVector().Equal(decoded.StateVector()))
}

func TestDecodeStateEmpty(t *testing.T) {
	r, err := DecodeState(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, r.Len())
}

func TestDecodeStateMalformed(t *testing.T) {
	_, err := DecodeState([]byte("garbage"))
	assert.ErrorIs(t, err, ErrMalformedState)

	_, err = DecodeState((&Update{Ops: []Operation{{Replica: "", Seq: 3}}}).Encode())
	assert.ErrorIs(t, err, ErrMalformedState)
}

// TestConvergenceUnderRandomDelivery replays a shared operation pool
// against several replicas in different shuffled orders with duplicates
// and asserts all replicas converge to the same state.
func TestConvergenceUnderRandomDelivery(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	var pool []*Update
	for c := 0; c < 4; c++ {
		client := fmt.Sprintf("client-%d", c)
		for seq := uint64(1); seq <= 25; seq += 5 {
			pool = append(pool, NewUpdate(client, seq,
				[]byte{byte(seq)}, []byte{byte(seq + 1)}, []byte{byte(seq + 2)},
				[]byte{byte(seq + 3)}, []byte{byte(seq + 4)}))
		}
	}

	replicas := make([]*Replica, 3)
	for i := range replicas {
		replicas[i] = Empty()
		order := rng.Perm(len(pool))
		for _, idx := range order {
			_, err := replicas[i].Merge(pool[idx])
			require.NoError(t, err)
			// Random duplicate deliveries.
			if rng.Intn(3) == 0 {
				_, err := replicas[i].Merge(pool[rng.Intn(len(pool))])
				require.NoError(t, err)
			}
		}
	}

	for i := 1; i < len(replicas); i++ {
		assert.Equal(t, replicas[0].Encode(), replicas[i].Encode(),
			"replica %d diverged", i)
	}
	assert.Equal(t, 100, replicas[0].Len())
}
