package stratumjson

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// CmdMethod returns the method for the passed command.  The provided command
// type must be a registered type.  All commands provided by this package are
// registered by default.
func CmdMethod(cmd interface{}) (string, error) {
	rt := reflect.TypeOf(cmd)
	registerLock.RLock()
	method, ok := concreteTypeToMethod[rt]
	registerLock.RUnlock()
	if !ok {
		str := fmt.Sprintf("%v is not registered", rt)
		return "", makeError(ErrUnregisteredMethod, str)
	}

	return method, nil
}

// MarshalCmd marshals the passed command to a JSON-RPC request byte slice that
// is suitable for transmission to a pool.  The provided command type must be
// a registered type.
func MarshalCmd(id uint64, cmd interface{}) ([]byte, error) {
	method, err := CmdMethod(cmd)
	if err != nil {
		return nil, err
	}

	// The provided command must not be nil.
	if reflect.ValueOf(cmd).IsNil() {
		str := "the specified command is nil"
		return nil, makeError(ErrInvalidType, str)
	}

	rawCmd, err := NewRequest(id, method, cmd)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rawCmd)
}

// UnmarshalCmd unmarshals a JSON-RPC request into a suitable concrete command
// so long as the method type contained within the marshalled request is
// registered.
func UnmarshalCmd(r *Request) (interface{}, error) {
	registerLock.RLock()
	rtp, ok := methodToConcreteType[r.Method]
	registerLock.RUnlock()
	if !ok {
		str := fmt.Sprintf("%q is not registered", r.Method)
		return nil, makeError(ErrUnregisteredMethod, str)
	}

	rvp := reflect.New(rtp.Elem())
	if len(r.Params) == 0 {
		return rvp.Interface(), nil
	}
	if err := json.Unmarshal(r.Params, rvp.Interface()); err != nil {
		// The most common error is the wrong type, so explicitly
		// detect that error and make it nicer.
		if jerr, ok := err.(*json.UnmarshalTypeError); ok {
			str := fmt.Sprintf("parameter '%s' must be type %v "+
				"(got %v)", jerr.Field, jerr.Type, jerr.Value)
			return nil, makeError(ErrInvalidParams, str)
		}

		str := fmt.Sprintf("params failed to unmarshal: %v", err)
		return nil, makeError(ErrInvalidParams, str)
	}

	return rvp.Interface(), nil
}
