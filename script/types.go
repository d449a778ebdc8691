package script

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/flant/negentropy/provisioning/model"
)

const (
	guardedTypeName = "guarded"
	contextTypeName = "context"
)

// Context is the mapping context bag, built once per account
type Context map[string]interface{}

func (c Context) readOnly() *contextBag {
	return &contextBag{values: c, readOnly: true}
}

type contextBag struct {
	values   map[string]interface{}
	readOnly bool
}

func (b *contextBag) copyValues() Context {
	res := make(Context, len(b.values))
	for k, v := range b.values {
		res[k] = v
	}
	return res
}

func registerTypes(L *lua.LState) {
	guardedMT := L.NewTypeMetatable(guardedTypeName)
	L.SetField(guardedMT, "__tostring", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(model.NewGuardedString("").String()))
		return 1
	}))
	L.SetGlobal("guarded", L.NewFunction(func(L *lua.LState) int {
		var value string
		switch v := L.Get(1).(type) {
		case lua.LString:
			value = string(v)
		case *lua.LUserData:
			if _, ok := v.Value.(model.GuardedString); ok {
				L.Push(v)
				return 1
			}
			L.ArgError(1, "string expected")
		default:
			L.ArgError(1, "string expected")
		}
		L.Push(newUserData(L, guardedTypeName, model.NewGuardedString(value)))
		return 1
	}))

	contextMT := L.NewTypeMetatable(contextTypeName)
	L.SetField(contextMT, "__index", L.NewFunction(func(L *lua.LState) int {
		bag := checkContext(L)
		L.Push(toLua(L, bag.values[L.CheckString(2)]))
		return 1
	}))
	L.SetField(contextMT, "__newindex", L.NewFunction(func(L *lua.LState) int {
		bag := checkContext(L)
		if bag.readOnly {
			L.RaiseError("context is read-only")
			return 0
		}
		value, err := fromLua(L.Get(3))
		if err != nil {
			L.RaiseError("context value %q: %s", L.CheckString(2), err.Error())
			return 0
		}
		bag.values[L.CheckString(2)] = value
		return 0
	}))
	L.SetGlobal("newContext", L.NewFunction(func(L *lua.LState) int {
		L.Push(newUserData(L, contextTypeName, &contextBag{values: map[string]interface{}{}}))
		return 1
	}))
}

func newUserData(L *lua.LState, typeName string, value interface{}) *lua.LUserData {
	ud := L.NewUserData()
	ud.Value = value
	L.SetMetatable(ud, L.GetTypeMetatable(typeName))
	return ud
}

func checkContext(L *lua.LState) *contextBag {
	ud := L.CheckUserData(1)
	if bag, ok := ud.Value.(*contextBag); ok {
		return bag
	}
	L.ArgError(1, "context expected")
	return nil
}

func toLua(L *lua.LState, value interface{}) lua.LValue {
	switch v := value.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(v)
	case string:
		return lua.LString(v)
	case int:
		return lua.LNumber(v)
	case int32:
		return lua.LNumber(v)
	case int64:
		return lua.LNumber(v)
	case float32:
		return lua.LNumber(v)
	case float64:
		return lua.LNumber(v)
	case model.GuardedString:
		return newUserData(L, guardedTypeName, v)
	case *contextBag:
		return newUserData(L, contextTypeName, v)
	case []string:
		tbl := L.NewTable()
		for _, item := range v {
			tbl.Append(lua.LString(item))
		}
		return tbl
	case []interface{}:
		tbl := L.NewTable()
		for _, item := range v {
			tbl.Append(toLua(L, item))
		}
		return tbl
	case map[string]interface{}:
		tbl := L.NewTable()
		for k, item := range v {
			tbl.RawSetString(k, toLua(L, item))
		}
		return tbl
	case Context:
		return toLua(L, map[string]interface{}(v))
	default:
		return lua.LString(fmt.Sprint(v))
	}
}

// fromLua converts script results: numbers become float64, sequences become []interface{}
func fromLua(value lua.LValue) (interface{}, error) {
	switch v := value.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(v), nil
	case lua.LString:
		return string(v), nil
	case lua.LNumber:
		return float64(v), nil
	case *lua.LUserData:
		switch typed := v.Value.(type) {
		case model.GuardedString:
			return typed, nil
		case *contextBag:
			return typed.copyValues(), nil
		}
		return nil, fmt.Errorf("unsupported userdata %T", v.Value)
	case *lua.LTable:
		return tableFromLua(v)
	default:
		return nil, fmt.Errorf("unsupported type %s", value.Type())
	}
}

func tableFromLua(tbl *lua.LTable) (interface{}, error) {
	n := tbl.MaxN()
	keys := 0
	tbl.ForEach(func(lua.LValue, lua.LValue) { keys++ })
	if keys == n {
		list := make([]interface{}, 0, n)
		for i := 1; i <= n; i++ {
			item, err := fromLua(tbl.RawGetInt(i))
			if err != nil {
				return nil, err
			}
			list = append(list, item)
		}
		return list, nil
	}
	res := map[string]interface{}{}
	var err error
	tbl.ForEach(func(k, v lua.LValue) {
		if err != nil {
			return
		}
		var item interface{}
		if item, err = fromLua(v); err != nil {
			err = fmt.Errorf("table key %q: %w", k.String(), err)
			return
		}
		res[k.String()] = item
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
