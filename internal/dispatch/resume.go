package dispatch

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// EncodeResumeState packs a job's checkpoint state into an opaque resume
// token. Jobs typically pack a small progress struct (cursor, partial
// results) at each yield.
func EncodeResumeState(v interface{}) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode resume state: %w", err)
	}
	return data, nil
}

// DecodeResumeState unpacks a resume token produced by EncodeResumeState.
func DecodeResumeState(token []byte, v interface{}) error {
	if err := msgpack.Unmarshal(token, v); err != nil {
		return fmt.Errorf("failed to decode resume state: %w", err)
	}
	return nil
}
