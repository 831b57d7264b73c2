package rpc

import (
	"encoding/json"
	"fmt"
)

// NotificationMethod marks an unsolicited, uncorrelated frame from the worker.
const NotificationMethod = "notification"

// Frame is one line on the worker's stdio. Requests carry ID, Method and
// Params; responses carry ID and either Result or Error; notifications carry
// Method == "notification" and no ID.
type Frame struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RemoteError    `json:"error,omitempty"`
}

// Notification is a decoded notification frame. Params holds the whole
// params object, including its "type" field.
type Notification struct {
	Type   string
	Params json.RawMessage
}

// Decode unmarshals the notification params into v.
func (n Notification) Decode(v any) error {
	return json.Unmarshal(n.Params, v)
}

// NewNotification builds a notification locally, e.g. for supervisor errors
// that must reach the same observer as worker-sent notifications.
func NewNotification(typ string, fields map[string]any) Notification {
	params := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		params[k] = v
	}
	params["type"] = typ
	raw, _ := json.Marshal(params)
	return Notification{Type: typ, Params: raw}
}

func parseNotification(params json.RawMessage) (Notification, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(params, &head); err != nil {
		return Notification{}, err
	}
	if head.Type == "" {
		return Notification{}, fmt.Errorf("notification without type")
	}
	return Notification{Type: head.Type, Params: params}, nil
}

func encodeParams(params any) (json.RawMessage, error) {
	if params == nil {
		return json.RawMessage(`{}`), nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(params)
}
