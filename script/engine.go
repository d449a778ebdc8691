package script

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/hashicorp/go-hclog"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/flant/negentropy/provisioning/model"
)

const DefaultTimeout = 2 * time.Second

// base library functions, which give access to files or to other chunks
var unsafeGlobals = []string{"dofile", "loadfile", "load", "loadstring", "require", "module", "print", "collectgarbage"}

// Engine evaluates mapping scripts. Every evaluation runs in a fresh sandboxed lua state,
// compiled chunks are shared between evaluations.
type Engine struct {
	timeout time.Duration
	protos  sync.Map // source => *lua.FunctionProto
	logger  log.Logger
}

func NewEngine(timeout time.Duration, logger log.Logger) *Engine {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Engine{timeout: timeout, logger: logger.Named("ScriptEngine")}
}

// Compile checks script syntax
func (e *Engine) Compile(src string) error {
	_, err := e.compile(src)
	return err
}

func (e *Engine) compile(src string) (*lua.FunctionProto, error) {
	if proto, ok := e.protos.Load(src); ok {
		return proto.(*lua.FunctionProto), nil
	}
	chunk, err := parse.Parse(strings.NewReader(src), "<mapping>")
	if err != nil {
		return nil, err
	}
	proto, err := lua.Compile(chunk, "<mapping>")
	if err != nil {
		return nil, err
	}
	e.protos.Store(src, proto)
	return proto, nil
}

func (e *Engine) newState(ctx context.Context) (*lua.LState, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true, CallStackSize: 64, RegistrySize: 1024 * 4})
	libs := []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
	for _, lib := range libs {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(lib.fn), NRet: 0, Protect: true}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, fmt.Errorf("open lib %s: %w", lib.name, err)
		}
	}
	for _, name := range unsafeGlobals {
		L.SetGlobal(name, lua.LNil)
	}
	registerTypes(L)
	L.SetContext(ctx)
	return L, nil
}

// run executes src with globals and returns the single result
func (e *Engine) run(parent context.Context, src string, globals map[string]interface{}) (lua.LValue, func(), error) {
	proto, err := e.compile(src)
	if err != nil {
		return nil, nil, model.NewValidationError("", src, "compile: %s", err.Error())
	}
	ctx, cancel := context.WithTimeout(parent, e.timeout)
	L, err := e.newState(ctx)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	closeFn := func() {
		L.Close()
		cancel()
	}
	for name, value := range globals {
		L.SetGlobal(name, toLua(L, value))
	}
	L.Push(L.NewFunctionFromProto(proto))
	if err = L.PCall(0, 1, nil); err != nil {
		closeFn()
		return nil, nil, model.NewTransformationError("", src, err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	return ret, closeFn, nil
}

// EvalAttribute evaluates per-attribute transform script: (value, context) => value
func (e *Engine) EvalAttribute(ctx context.Context, attribute, src string, value interface{},
	mappingContext Context, entity *model.Entity) (interface{}, error) {
	ret, closeFn, err := e.run(ctx, src, map[string]interface{}{
		"value":   value,
		"context": mappingContext.readOnly(),
		"entity":  entityTable(entity),
	})
	if err != nil {
		return nil, withAttribute(err, attribute)
	}
	defer closeFn()
	res, err := fromLua(ret)
	if err != nil {
		return nil, model.NewTransformationError(attribute, src, err)
	}
	return res, nil
}

// EvalContext evaluates mapping-level script, which must return a context created by newContext()
func (e *Engine) EvalContext(ctx context.Context, src string, entity *model.Entity) (Context, error) {
	ret, closeFn, err := e.run(ctx, src, map[string]interface{}{"entity": entityTable(entity)})
	if err != nil {
		return nil, err
	}
	defer closeFn()
	ud, ok := ret.(*lua.LUserData)
	if !ok {
		return nil, model.NewValidationError("", src, "context script returned %s instead of context", ret.Type())
	}
	bag, ok := ud.Value.(*contextBag)
	if !ok {
		return nil, model.NewValidationError("", src, "context script returned %T instead of context", ud.Value)
	}
	return bag.copyValues(), nil
}

// EvalPredicate evaluates boolean predicate over entity, e.g. canBeAccountCreated
func (e *Engine) EvalPredicate(ctx context.Context, src string, entity *model.Entity) (bool, error) {
	ret, closeFn, err := e.run(ctx, src, map[string]interface{}{"entity": entityTable(entity)})
	if err != nil {
		return false, err
	}
	defer closeFn()
	b, ok := ret.(lua.LBool)
	if !ok {
		return false, model.NewValidationError("", src, "predicate returned %s instead of boolean", ret.Type())
	}
	return bool(b), nil
}

func withAttribute(err error, attribute string) error {
	switch typed := err.(type) {
	case *model.ValidationError:
		typed.Attribute = attribute
	case *model.TransformationError:
		typed.Attribute = attribute
	}
	return err
}

func entityTable(entity *model.Entity) map[string]interface{} {
	if entity == nil {
		return nil
	}
	return map[string]interface{}{
		"uuid":       entity.UUID,
		"type":       string(entity.Kind),
		"properties": entity.Properties,
		"extended":   entity.ExtendedAttributes,
	}
}
