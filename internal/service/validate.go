package service

import (
	"encoding/json"
	"fmt"

	"github.com/vjoke/chat-service/internal/errs"
	"github.com/vjoke/chat-service/internal/state"
)

// argKind is one positional argument slot in a command schema.
type argKind int

const (
	argString argKind = iota
	argBool
	argID
	argList    // access list name: whitelist or blacklist
	argNames   // list of user names
	argPayload // arbitrary JSON value
)

type schema struct {
	args     []argKind
	optional int // trailing args that may be omitted
}

// Validator checks a command's arity and positional types before any side
// effect and normalizes loosely typed arguments (JSON decoding yields
// float64 numbers and []any slices) into the forms the handlers expect.
type Validator struct {
	schemas map[string]schema
}

func NewValidator() *Validator {
	return &Validator{schemas: map[string]schema{
		CmdDirectAddToList:        {args: []argKind{argList, argNames}},
		CmdDirectGetAccessList:    {args: []argKind{argList}},
		CmdDirectGetWhitelistMode: {},
		CmdDirectMessage:          {args: []argKind{argString, argPayload}},
		CmdDirectRemoveFromList:   {args: []argKind{argList, argNames}},
		CmdDirectSetWhitelistMode: {args: []argKind{argBool}},
		CmdDisconnect:             {args: []argKind{argString}, optional: 1},
		CmdListOwnSockets:         {},
		CmdRoomAddToList:          {args: []argKind{argString, argList, argNames}},
		CmdRoomCreate:             {args: []argKind{argString, argBool}},
		CmdRoomDelete:             {args: []argKind{argString}},
		CmdRoomGetAccessList:      {args: []argKind{argString, argList}},
		CmdRoomGetOwner:           {args: []argKind{argString}},
		CmdRoomGetWhitelistMode:   {args: []argKind{argString}},
		CmdRoomHistoryGet:         {args: []argKind{argString, argID}},
		CmdRoomHistoryInfo:        {args: []argKind{argString}},
		CmdRoomJoin:               {args: []argKind{argString}},
		CmdRoomLeave:              {args: []argKind{argString}},
		CmdRoomMessage:            {args: []argKind{argString, argPayload}},
		CmdRoomRecentHistory:      {args: []argKind{argString}},
		CmdRoomRemoveFromList:     {args: []argKind{argString, argList, argNames}},
		CmdRoomSetWhitelistMode:   {args: []argKind{argString, argBool}},
		CmdRoomUserSeen:           {args: []argKind{argString, argString}},
		CmdSystemMessage:          {args: []argKind{argPayload}},
	}}
}

// Check validates name and args and returns the normalized argument list.
// Failures are validation errors with no side effects.
func (v *Validator) Check(name string, args []any) ([]any, error) {
	sc, ok := v.schemas[name]
	if !ok {
		return nil, errs.Validationf("unknown command %q", name)
	}
	if len(args) > len(sc.args) || len(args) < len(sc.args)-sc.optional {
		return nil, errs.Validationf("%s: expected %d arguments, got %d",
			name, len(sc.args), len(args))
	}

	out := make([]any, len(sc.args))
	for i, kind := range sc.args {
		if i >= len(args) {
			out[i] = zeroArg(kind)
			continue
		}
		val, err := coerce(kind, args[i])
		if err != nil {
			return nil, errs.Validationf("%s: argument %d: %v", name, i+1, err)
		}
		out[i] = val
	}
	return out, nil
}

func zeroArg(kind argKind) any {
	switch kind {
	case argString:
		return ""
	case argBool:
		return false
	case argID:
		return uint64(0)
	case argNames:
		return []string(nil)
	default:
		return json.RawMessage(nil)
	}
}

func coerce(kind argKind, v any) (any, error) {
	switch kind {
	case argString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		if s == "" {
			return nil, fmt.Errorf("expected non-empty string")
		}
		return s, nil

	case argBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", v)
		}
		return b, nil

	case argID:
		switch n := v.(type) {
		case uint64:
			return n, nil
		case int:
			if n < 0 {
				return nil, fmt.Errorf("expected non-negative id")
			}
			return uint64(n), nil
		case float64:
			if n < 0 || n != float64(uint64(n)) {
				return nil, fmt.Errorf("expected non-negative integer id")
			}
			return uint64(n), nil
		default:
			return nil, fmt.Errorf("expected integer id, got %T", v)
		}

	case argList:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected list name, got %T", v)
		}
		list := state.ListName(s)
		if !list.Valid() {
			return nil, fmt.Errorf("unknown access list %q", s)
		}
		return list, nil

	case argNames:
		switch names := v.(type) {
		case []string:
			return names, nil
		case []any:
			out := make([]string, len(names))
			for i, n := range names {
				s, ok := n.(string)
				if !ok || s == "" {
					return nil, fmt.Errorf("expected user name at index %d", i)
				}
				out[i] = s
			}
			return out, nil
		default:
			return nil, fmt.Errorf("expected user name list, got %T", v)
		}

	case argPayload:
		if raw, ok := v.(json.RawMessage); ok {
			return raw, nil
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("unencodable payload: %v", err)
		}
		return json.RawMessage(raw), nil
	}
	return nil, fmt.Errorf("unhandled argument kind %d", kind)
}
