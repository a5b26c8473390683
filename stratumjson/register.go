package stratumjson

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
)

var (
	// These fields are used to map the registered types to method names.
	registerLock         sync.RWMutex
	methodToConcreteType = make(map[string]reflect.Type)
	concreteTypeToMethod = make(map[reflect.Type]string)
)

// RegisterCmd registers a new command that will automatically marshal to and
// from JSON-RPC requests with the method name.  The command must be a
// pointer to a struct; its exported fields are sent as the params object.
func RegisterCmd(method string, cmd interface{}) error {
	registerLock.Lock()
	defer registerLock.Unlock()

	if _, ok := methodToConcreteType[method]; ok {
		str := fmt.Sprintf("method %q is already registered", method)
		return makeError(ErrDuplicateMethod, str)
	}

	rtp := reflect.TypeOf(cmd)
	if rtp == nil || rtp.Kind() != reflect.Ptr {
		str := fmt.Sprintf("type must be *struct not '%s (%s)'", rtp,
			kindOf(rtp))
		return makeError(ErrInvalidType, str)
	}
	if rt := rtp.Elem(); rt.Kind() != reflect.Struct {
		str := fmt.Sprintf("type must be *struct not '%s (*%s)'", rtp,
			rt.Kind())
		return makeError(ErrInvalidType, str)
	}

	methodToConcreteType[method] = rtp
	concreteTypeToMethod[rtp] = method
	return nil
}

func kindOf(rt reflect.Type) reflect.Kind {
	if rt == nil {
		return reflect.Invalid
	}
	return rt.Kind()
}

// MustRegisterCmd performs the same function as RegisterCmd except it panics
// if there is an error.  This should only be called from package init
// functions.
func MustRegisterCmd(method string, cmd interface{}) {
	if err := RegisterCmd(method, cmd); err != nil {
		panic(fmt.Sprintf("failed to register type %q: %v\n", method,
			err))
	}
}

// RegisteredCmdMethods returns a sorted list of methods for all registered
// commands.
func RegisteredCmdMethods() []string {
	registerLock.RLock()
	defer registerLock.RUnlock()

	methods := make([]string, 0, len(methodToConcreteType))
	for k := range methodToConcreteType {
		methods = append(methods, k)
	}

	sort.Strings(methods)
	return methods
}
