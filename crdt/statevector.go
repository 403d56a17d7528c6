package crdt

import "encoding/json"

// StateVector is a compact summary of the operations a replica has
// observed: for each origin replica, the highest sequence number up to
// which the observation is contiguous. Operations above a gap are held
// but not summarized until the gap fills.
type StateVector map[string]uint64

// Encode serializes the vector. Encoding is deterministic: identical
// vectors produce byte-identical encodings, so encoded vectors may be
// compared for equality directly.
func (v StateVector) Encode() []byte {
	// json.Marshal sorts map keys, which is what makes this canonical.
	data, _ := json.Marshal(v)
	return data
}

// DecodeStateVector parses an encoded state vector.
func DecodeStateVector(data []byte) (StateVector, error) {
	if len(data) == 0 {
		return StateVector{}, nil
	}
	var v StateVector
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, ErrMalformedStateVector
	}
	if v == nil {
		v = StateVector{}
	}
	return v, nil
}

// Equal reports whether both vectors summarize the same observations.
func (v StateVector) Equal(other StateVector) bool {
	if len(v) != len(other) {
		return false
	}
	for replica, seq := range v {
		if other[replica] != seq {
			return false
		}
	}
	return true
}

// AtLeast reports whether v has observed everything other has.
func (v StateVector) AtLeast(other StateVector) bool {
	for replica, seq := range other {
		if v[replica] < seq {
			return false
		}
	}
	return true
}

// Clone returns an independent copy of the vector.
func (v StateVector) Clone() StateVector {
	out := make(StateVector, len(v))
	for replica, seq := range v {
		out[replica] = seq
	}
	return out
}
