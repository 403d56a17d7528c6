package crdt

import "encoding/json"

// Operation is a single editor operation stamped with its causal envelope.
// The payload is opaque to the server: the engine tracks only the
// (replica, seq) pair and never interprets payload bytes semantically.
type Operation struct {
	Replica string `json:"r"`
	Seq     uint64 `json:"s"`
	Payload []byte `json:"p,omitempty"`
}

// Update is a batch of operations shipped between replicas.
type Update struct {
	Ops []Operation `json:"ops"`
}

// Empty reports whether the update carries no operations.
func (u *Update) Empty() bool {
	return u == nil || len(u.Ops) == 0
}

// Encode serializes the update for the wire.
func (u *Update) Encode() []byte {
	data, _ := json.Marshal(u)
	return data
}

// DecodeUpdate parses update bytes. Zero-length input fails with
// ErrEmptyUpdate; anything undecodable or violating the operation
// envelope fails with ErrMalformedUpdate.
func DecodeUpdate(data []byte) (*Update, error) {
	if len(data) == 0 {
		return nil, ErrEmptyUpdate
	}
	var u Update
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, ErrMalformedUpdate
	}
	for _, op := range u.Ops {
		if op.Replica == "" || op.Seq == 0 {
			return nil, ErrMalformedUpdate
		}
	}
	return &u, nil
}

// NewUpdate builds an update of consecutive operations from one replica,
// starting at startSeq. Intended for clients and tests.
func NewUpdate(replica string, startSeq uint64, payloads ...[]byte) *Update {
	ops := make([]Operation, 0, len(payloads))
	for i, p := range payloads {
		ops = append(ops, Operation{
			Replica: replica,
			Seq:     startSeq + uint64(i),
			Payload: p,
		})
	}
	return &Update{Ops: ops}
}
