package dispatch

import (
	"encoding/json"
	"fmt"
)

// Arg decodes the named argument into T, returning the zero value if the
// argument is absent — i.e. it was declared Optional and the caller omitted
// it. Agent Invoke closures use this to avoid repeating json.Unmarshal
// boilerplate for every parameter.
func Arg[T any](args map[string]json.RawMessage, name string) (T, error) {
	var out T
	raw, ok := args[name]
	if !ok {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("parameter %q: %w", name, err)
	}
	return out, nil
}

// RawArg returns the raw JSON for a RawParams operation's entire params
// object.
func RawArg(args map[string]json.RawMessage) json.RawMessage {
	return args[rawParamsKey]
}
