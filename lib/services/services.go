// Package services layers typed CRUD over lib/backend, the way the
// teacher layers its resource services over its generic backend: each
// entity gets a namespaced key prefix and JSON marshaling, so callers
// never see bytes or keys.
package services

import (
	"encoding/json"

	"github.com/gravitational/trace"
)

// Standard library encoding/json is used for marshaling here because
// none of the kept reference files in this pack pull in a faster
// encoder (jsoniter, easyjson) for their resource stores — they all
// marshal backend.Item values with encoding/json directly.
func marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return b, nil
}

func unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return trace.Wrap(err)
	}
	return nil
}
