package device

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Action arguments usually arrive JSON-decoded from the UI or REST, so
// numbers are float64 and objects are map[string]any. These helpers coerce
// them for action implementations.

// ArgFloat returns args[i] as a float64. Numeric strings are accepted.
func ArgFloat(args []any, i int) (float64, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("%w: missing argument %d", ErrInvalidArgument, i)
	}
	if f, ok := toFloat(args[i]); ok {
		return f, nil
	}
	if s, ok := args[i].(string); ok {
		f, err := strconv.ParseFloat(s, 64)
		if err == nil {
			return f, nil
		}
	}
	return 0, fmt.Errorf("%w: argument %d is %T, want number", ErrInvalidArgument, i, args[i])
}

// ArgFloatOr returns args[i] as a float64, or def when the argument is absent.
func ArgFloatOr(args []any, i int, def float64) (float64, error) {
	if i >= len(args) || args[i] == nil {
		return def, nil
	}
	return ArgFloat(args, i)
}

// ArgString returns args[i] as a string.
func ArgString(args []any, i int) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("%w: missing argument %d", ErrInvalidArgument, i)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("%w: argument %d is %T, want string", ErrInvalidArgument, i, args[i])
	}
	return s, nil
}

// ArgBool returns args[i] as a bool. The strings "true" and "false" are accepted.
func ArgBool(args []any, i int) (bool, error) {
	if i >= len(args) {
		return false, fmt.Errorf("%w: missing argument %d", ErrInvalidArgument, i)
	}
	switch v := args[i].(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b, nil
		}
	}
	return false, fmt.Errorf("%w: argument %d is %T, want bool", ErrInvalidArgument, i, args[i])
}

// ArgState returns args[i] as a State. A JSON object string is decoded.
func ArgState(args []any, i int) (State, error) {
	if i >= len(args) {
		return nil, fmt.Errorf("%w: missing argument %d", ErrInvalidArgument, i)
	}
	switch v := args[i].(type) {
	case State:
		return v.DeepCopy(), nil
	case map[string]any:
		return State(deepCopyMap(v)), nil
	case string:
		var st State
		if err := json.Unmarshal([]byte(v), &st); err == nil && st != nil {
			return st, nil
		}
	}
	return nil, fmt.Errorf("%w: argument %d is %T, want object", ErrInvalidArgument, i, args[i])
}
