// Package protocol defines the daemon's wire formats: the line-oriented
// command/response protocol on the control socket and the JSON messages
// exchanged with stream viewers.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
)

// UnknownID is used in error responses when no request id is recoverable.
const UnknownID = "unknown"

// Command is one parsed control-channel request.
type Command struct {
	ID     string
	Action string

	params map[string]json.RawMessage
}

// idPattern recovers a request id from lines that fail JSON parsing, so
// the error response can still be correlated.
var idPattern = regexp.MustCompile(`"id"\s*:\s*(?:"([^"]*)"|(\d+))`)

// IsBlank reports whether line contains only whitespace. Blank lines
// produce no response at all.
func IsBlank(line []byte) bool {
	return len(bytes.TrimSpace(line)) == 0
}

// RecoverID extracts a request id from a malformed line, falling back to
// UnknownID.
func RecoverID(line []byte) string {
	m := idPattern.FindSubmatch(line)
	switch {
	case m == nil:
		return UnknownID
	case len(m[1]) > 0:
		return string(m[1])
	case len(m[2]) > 0:
		return string(m[2])
	}
	return UnknownID
}

// ParseCommand parses one newline-framed request. The returned error is a
// protocol error; the caller answers it with ErrorResponse(RecoverID(line), ...).
func ParseCommand(line []byte) (*Command, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return nil, fmt.Errorf("malformed command: %w", err)
	}

	cmd := &Command{ID: UnknownID, params: fields}

	if raw, ok := fields["id"]; ok {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			cmd.ID = s
		} else {
			var n json.Number
			if err := json.Unmarshal(raw, &n); err == nil {
				cmd.ID = n.String()
			}
		}
	}

	if raw, ok := fields["action"]; ok {
		if err := json.Unmarshal(raw, &cmd.Action); err != nil {
			return nil, fmt.Errorf("malformed command: action is not a string")
		}
	}
	if cmd.Action == "" {
		return nil, fmt.Errorf("malformed command: missing action")
	}

	return cmd, nil
}

// String returns the named string parameter, or def when absent.
func (c *Command) String(key, def string) string {
	var v string
	if raw, ok := c.params[key]; ok && json.Unmarshal(raw, &v) == nil {
		return v
	}
	return def
}

// Int returns the named integer parameter, or def when absent.
func (c *Command) Int(key string, def int64) int64 {
	var v int64
	if raw, ok := c.params[key]; ok && json.Unmarshal(raw, &v) == nil {
		return v
	}
	return def
}

// Float returns the named float parameter, or def when absent.
func (c *Command) Float(key string, def float64) float64 {
	var v float64
	if raw, ok := c.params[key]; ok && json.Unmarshal(raw, &v) == nil {
		return v
	}
	return def
}

// Bool returns the named boolean parameter, or def when absent.
func (c *Command) Bool(key string, def bool) bool {
	var v bool
	if raw, ok := c.params[key]; ok && json.Unmarshal(raw, &v) == nil {
		return v
	}
	return def
}

// Unmarshal decodes the named parameter into v.
func (c *Command) Unmarshal(key string, v interface{}) error {
	raw, ok := c.params[key]
	if !ok {
		return fmt.Errorf("missing parameter %q", key)
	}
	return json.Unmarshal(raw, v)
}

// Has reports whether the named parameter is present.
func (c *Command) Has(key string) bool {
	_, ok := c.params[key]
	return ok
}
