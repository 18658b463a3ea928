package message

import (
	"encoding/json"
)

// CallResponse is a backend result. The direct path receives it as the HTTP body and the queue
// channel receives it as the "output" field of process_generating / process_completed.
//
// Fields this client does not interpret are kept in Extra and written back unchanged by
// MarshalJSON, so callers see the full body the backend produced.
type CallResponse struct {
	Error           string
	AverageDuration *float64
	Data            []any
	Extra           map[string]json.RawMessage
}

func (r *CallResponse) UnmarshalJSON(b []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}

	*r = CallResponse{}
	for key, raw := range fields {
		switch key {
		case "error":
			var s *string
			if err := json.Unmarshal(raw, &s); err == nil {
				if s != nil {
					r.Error = *s
				}
				continue
			}
			// Some backends send a structured error; keep its JSON text as the message
			if string(raw) != "null" {
				r.Error = string(raw)
			}
		case "average_duration":
			var d *float64
			if err := json.Unmarshal(raw, &d); err == nil {
				r.AverageDuration = d
				continue
			}
			r.setExtra(key, raw)
		case "data":
			var data []any
			if err := json.Unmarshal(raw, &data); err == nil {
				r.Data = data
				continue
			}
			r.setExtra(key, raw)
		default:
			r.setExtra(key, raw)
		}
	}
	return nil
}

func (r CallResponse) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Extra)+3)
	for k, v := range r.Extra {
		out[k] = v
	}
	if r.Error != "" {
		out["error"] = r.Error
	}
	if r.AverageDuration != nil {
		out["average_duration"] = *r.AverageDuration
	}
	if r.Data != nil {
		out["data"] = r.Data
	}
	return json.Marshal(out)
}

func (r *CallResponse) setExtra(key string, raw json.RawMessage) {
	if r.Extra == nil {
		r.Extra = make(map[string]json.RawMessage)
	}
	r.Extra[key] = raw
}
