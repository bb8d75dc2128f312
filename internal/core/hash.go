package core

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
)

// RequestHash computes the idempotency hash of a request body: the JSON
// is normalised (map keys sorted, whitespace stripped) and the 128-bit
// murmur3 digest is rendered as a UUID. The same bytes map to the same
// value across processes and versions.
func RequestHash(body json.RawMessage) (uuid.UUID, error) {
	canonical, err := canonicalJSON(body)
	if err != nil {
		return uuid.Nil, err
	}

	h1, h2 := murmur3.Sum128(canonical)

	var u uuid.UUID
	binary.BigEndian.PutUint64(u[0:8], h1)
	binary.BigEndian.PutUint64(u[8:16], h2)
	return u, nil
}

// canonicalJSON round-trips the value through encoding/json, which
// marshals object keys in sorted order.
func canonicalJSON(body json.RawMessage) ([]byte, error) {
	if len(body) == 0 {
		body = json.RawMessage("null")
	}

	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("%w: request_body is not valid JSON: %v", ErrInvalidJobRequest, err)
	}

	canonical, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalise request body: %w", err)
	}
	return canonical, nil
}
