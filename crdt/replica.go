// Package crdt implements the server-side replica for collaborative
// documents as a state-based CRDT over an operation log.
//
// Each operation carries an origin replica id and a per-replica sequence
// number; payloads are opaque bytes the server never interprets. Merge is
// set union keyed by (replica, seq), which makes it commutative,
// associative and idempotent. The state vector summarizes the contiguous
// prefix observed per replica and is the only representation compared for
// equality: state byte encodings are canonical here, but callers must not
// rely on that.
package crdt

import (
	"encoding/json"
	"sort"
)

// Replica holds the merged operation log for one document.
// A Replica is not safe for concurrent use; rooms serialize all access.
type Replica struct {
	ops map[string]map[uint64][]byte
}

// Empty creates a replica with no observed operations.
func Empty() *Replica {
	return &Replica{ops: make(map[string]map[uint64][]byte)}
}

// DecodeState reconstructs a replica from persisted state bytes.
func DecodeState(data []byte) (*Replica, error) {
	r := Empty()
	if len(data) == 0 {
		return r, nil
	}
	var u Update
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, ErrMalformedState
	}
	for _, op := range u.Ops {
		if op.Replica == "" || op.Seq == 0 {
			return nil, ErrMalformedState
		}
		r.insert(op)
	}
	return r, nil
}

// Encode serializes the full replica state. The encoding is an update
// containing every observed operation, sorted by replica then sequence,
// so that merge(Empty, Encode(S)) reproduces S.
func (r *Replica) Encode() []byte {
	u := r.Diff(nil)
	return u.Encode()
}

// StateVector returns the contiguous observation summary per replica.
func (r *Replica) StateVector() StateVector {
	v := make(StateVector, len(r.ops))
	for replica, seqs := range r.ops {
		var n uint64
		for {
			if _, ok := seqs[n+1]; !ok {
				break
			}
			n++
		}
		if n > 0 {
			v[replica] = n
		}
	}
	return v
}

// Contains reports whether the replica holds the given operation.
func (r *Replica) Contains(replica string, seq uint64) bool {
	seqs, ok := r.ops[replica]
	if !ok {
		return false
	}
	_, ok = seqs[seq]
	return ok
}

// Len returns the total number of observed operations.
func (r *Replica) Len() int {
	n := 0
	for _, seqs := range r.ops {
		n += len(seqs)
	}
	return n
}

// Diff returns an update with every operation not summarized by the given
// vector. A nil vector yields the full state. The result is ordered by
// replica id and sequence for deterministic encoding.
func (r *Replica) Diff(v StateVector) *Update {
	replicas := make([]string, 0, len(r.ops))
	for replica := range r.ops {
		replicas = append(replicas, replica)
	}
	sort.Strings(replicas)

	u := &Update{}
	for _, replica := range replicas {
		seqs := r.ops[replica]
		ordered := make([]uint64, 0, len(seqs))
		for seq := range seqs {
			if v == nil || seq > v[replica] {
				ordered = append(ordered, seq)
			}
		}
		sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })
		for _, seq := range ordered {
			u.Ops = append(u.Ops, Operation{Replica: replica, Seq: seq, Payload: seqs[seq]})
		}
	}
	return u
}

// Merge folds an update into the replica and returns the effective
// subset: the operations that were new to this replica, in the order they
// appeared in the update. A fully redundant update yields an empty
// effective update. Merge is all-or-nothing: a malformed update leaves
// the replica untouched.
func (r *Replica) Merge(u *Update) (*Update, error) {
	if u == nil {
		return nil, ErrMalformedUpdate
	}
	for _, op := range u.Ops {
		if op.Replica == "" || op.Seq == 0 {
			return nil, ErrMalformedUpdate
		}
	}

	effective := &Update{}
	seen := make(map[string]map[uint64]bool)
	for _, op := range u.Ops {
		if r.Contains(op.Replica, op.Seq) {
			continue
		}
		// Duplicate (replica, seq) pairs within one update collapse to the first.
		if seen[op.Replica][op.Seq] {
			continue
		}
		if seen[op.Replica] == nil {
			seen[op.Replica] = make(map[uint64]bool)
		}
		seen[op.Replica][op.Seq] = true
		effective.Ops = append(effective.Ops, op)
	}

	for _, op := range effective.Ops {
		r.insert(op)
	}
	return effective, nil
}

// MergeBytes decodes and merges raw update bytes, returning the encoded
// effective subset (nil when fully redundant).
func (r *Replica) MergeBytes(data []byte) ([]byte, error) {
	u, err := DecodeUpdate(data)
	if err != nil {
		return nil, err
	}
	effective, err := r.Merge(u)
	if err != nil {
		return nil, err
	}
	if effective.Empty() {
		return nil, nil
	}
	return effective.Encode(), nil
}

func (r *Replica) insert(op Operation) {
	seqs, ok := r.ops[op.Replica]
	if !ok {
		seqs = make(map[uint64][]byte)
		r.ops[op.Replica] = seqs
	}
	if _, exists := seqs[op.Seq]; !exists {
		seqs[op.Seq] = op.Payload
	}
}
