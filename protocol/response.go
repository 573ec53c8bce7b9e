package protocol

import "encoding/json"

// OKResponse builds a success response for the given request id. extra
// fields are merged into the response object; "id" and "ok" cannot be
// overridden.
func OKResponse(id string, extra map[string]interface{}) []byte {
	fields := map[string]interface{}{}
	for k, v := range extra {
		fields[k] = v
	}
	fields["id"] = id
	fields["ok"] = true
	return marshal(fields)
}

// ErrorResponse builds an error response carrying the request id, or
// UnknownID when none was recoverable.
func ErrorResponse(id, message string) []byte {
	if id == "" {
		id = UnknownID
	}
	return marshal(map[string]interface{}{
		"id":    id,
		"ok":    false,
		"error": message,
	})
}

func marshal(fields map[string]interface{}) []byte {
	buf, err := json.Marshal(fields)
	if err != nil {
		// Only unmarshalable values can end up here, and the response
		// builders above never produce one.
		return []byte(`{"id":"` + UnknownID + `","ok":false,"error":"internal encoding error"}`)
	}
	return buf
}
