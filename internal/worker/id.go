// Package worker speaks the worker's RPC surface over an rpc.Channel and
// routes its notifications into the daemon.
package worker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ID is a remote identifier normalised to its decimal or opaque string form.
// On the wire it is either a raw string or number, or wrapped in an
// envelope such as {"status":"success","value":123}.
type ID string

// String returns the canonical form.
func (id ID) String() string { return string(id) }

// UnmarshalJSON accepts a raw id, a wrapped envelope, or null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	case '{':
		var env struct {
			Status string          `json:"status"`
			Value  json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			return err
		}
		if env.Status != "" && env.Status != "success" {
			return fmt.Errorf("id envelope has status %q", env.Status)
		}
		if len(env.Value) == 0 || env.Value[0] == '{' {
			return fmt.Errorf("id envelope without a scalar value")
		}
		return id.UnmarshalJSON(env.Value)
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("unsupported id %s", data)
		}
		if i, err := n.Int64(); err == nil {
			*id = ID(strconv.FormatInt(i, 10))
			return nil
		}
		*id = ID(n.String())
		return nil
	}
}

// MarshalJSON writes the canonical string form.
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(id))
}
