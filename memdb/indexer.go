package memdb

import (
	"fmt"
	"reflect"
)

// MethodIndexer indexes objects by a string returned from a method, it is used for
// values hidden behind interfaces, where hcmemdb.StringFieldIndex can't reach
type MethodIndexer struct {
	Method string
}

func (m *MethodIndexer) value(obj interface{}) (string, error) {
	method := reflect.ValueOf(obj).MethodByName(m.Method)
	if !method.IsValid() {
		return "", fmt.Errorf("method %q not found for %T", m.Method, obj)
	}
	if method.Type().NumIn() != 0 || method.Type().NumOut() != 1 || method.Type().Out(0).Kind() != reflect.String {
		return "", fmt.Errorf("method %q of %T should be func() string", m.Method, obj)
	}
	return method.Call(nil)[0].String(), nil
}

// FromObject used to evaluate values to put to index tree
func (m *MethodIndexer) FromObject(obj interface{}) (bool, []byte, error) {
	val, err := m.value(obj)
	if err != nil {
		return false, nil, err
	}
	if val == "" {
		return false, nil, nil
	}
	// Add the null character as a terminator
	return true, append([]byte(val), '\x00'), nil
}

// FromArgs used to evaluate value for searching at index tree
func (m *MethodIndexer) FromArgs(args ...interface{}) ([]byte, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("must provide only a single argument")
	}
	arg, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("argument must be a string: %#v", args[0])
	}
	return append([]byte(arg), '\x00'), nil
}
