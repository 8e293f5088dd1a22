// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package script runs operation bodies written in Lua.
//
// Each body is wrapped as
//
//	return function(self, <params...>)
//	  <body>
//	end
//
// and loaded once per Lua state. Inside a body, self.<field> reads and
// assigns attributes, and self:<op>(args) calls another operation on the
// same object.
package script

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Shopify/go-lua"

	"github.com/AleutianAI/evolve/services/evolve/class"
)

var (
	// ErrSyntax indicates a body that does not load.
	ErrSyntax = errors.New("operation body does not compile")

	// ErrRuntime indicates a body that raised an error while running.
	ErrRuntime = errors.New("operation body failed")

	// ErrUnknownOperation indicates a call to an operation the program does
	// not define.
	ErrUnknownOperation = errors.New("unknown operation")
)

const (
	selfTypeName   = "evolve.self"
	methodsGlobal  = "__evolve_methods"
	chunkNameLimit = 60
)

// Wrap returns the Lua chunk for one operation.
func Wrap(m *class.Method) string {
	var b strings.Builder
	b.WriteString("return function(self")
	for _, p := range m.Params {
		b.WriteString(", ")
		b.WriteString(p.Name)
	}
	b.WriteString(")\n")
	b.WriteString(m.Body)
	if !strings.HasSuffix(m.Body, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("end\n")
	return b.String()
}

func chunkName(typeName, op string) string {
	name := typeName + "." + op
	if len(name) > chunkNameLimit {
		name = name[:chunkNameLimit]
	}
	return "=" + name
}

// Check loads the operation in a scratch state without running it.
//
// # Outputs
//
//   - error: ErrSyntax wrapping the Lua diagnostic.
func Check(typeName string, m *class.Method) error {
	l := lua.NewState()
	if err := lua.LoadBuffer(l, Wrap(m), chunkName(typeName, m.Name), ""); err != nil {
		return fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	return nil
}

// Program executes the operations of one versioned type.
//
// # Description
//
// Lua states are not safe for concurrent use, so a Program keeps a pool of
// prepared states. Every state has all operations loaded into a method
// table; Run borrows a state, calls one operation and returns the state.
//
// # Thread Safety
//
// Run is safe for concurrent use.
type Program struct {
	typeName string
	fields   map[string]class.Kind
	methods  map[string]*class.Method
	pool     sync.Pool
}

// NewProgram prepares the operations of vt and verifies they load.
//
// # Outputs
//
//   - *Program: Ready to be installed as vt.Runner.
//   - error: ErrSyntax for the first body that fails to load.
func NewProgram(vt *class.VersionedType) (*Program, error) {
	p := &Program{
		typeName: vt.Name,
		fields:   make(map[string]class.Kind, len(vt.Fields)),
		methods:  vt.Methods,
	}
	for _, f := range vt.Fields {
		p.fields[f.Name] = f.Kind
	}

	l, err := p.newState()
	if err != nil {
		return nil, err
	}
	p.pool.Put(l)
	return p, nil
}

func (p *Program) newState() (*lua.State, error) {
	l := lua.NewState()
	lua.OpenLibraries(l)
	registerSelf(l)

	l.NewTable()
	for name, m := range p.methods {
		if err := lua.LoadBuffer(l, Wrap(m), chunkName(p.typeName, name), ""); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
		}
		if err := l.ProtectedCall(0, 1, 0); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
		}
		l.SetField(-2, name)
	}
	l.SetGlobal(methodsGlobal)
	return l, nil
}

func (p *Program) get() (*lua.State, error) {
	if l, ok := p.pool.Get().(*lua.State); ok {
		return l, nil
	}
	return p.newState()
}

// Run implements class.Runner.
//
// # Description
//
// Arguments are pushed as Lua values, the operation is called in protected
// mode and its single result is converted back. Errors raised by self
// accessors keep their Go error chain.
func (p *Program) Run(ctx context.Context, op string, self class.Receiver, args []any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, ok := p.methods[op]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownOperation, p.typeName, op)
	}

	l, err := p.get()
	if err != nil {
		return nil, err
	}
	defer func() {
		l.SetTop(0)
		p.pool.Put(l)
	}()

	l.Global(methodsGlobal)
	l.Field(-1, op)
	l.Remove(-2)

	px := &proxy{ctx: ctx, recv: self, prog: p}
	l.PushUserData(px)
	lua.SetMetaTableNamed(l, selfTypeName)
	for _, a := range args {
		push(l, a)
	}

	if err := l.ProtectedCall(1+len(args), 1, 0); err != nil {
		if px.err != nil {
			return nil, fmt.Errorf("%w: %s.%s: %w", ErrRuntime, p.typeName, op, px.err)
		}
		return nil, fmt.Errorf("%w: %s.%s: %v", ErrRuntime, p.typeName, op, err)
	}

	if m.Returns == class.KindVoid {
		return nil, nil
	}
	v, err := value(l, -1)
	if err != nil {
		return nil, fmt.Errorf("%w: %s.%s result: %v", ErrRuntime, p.typeName, op, err)
	}
	return class.Coerce(m.Returns, v)
}

// proxy is the Go side of self.
type proxy struct {
	ctx  context.Context
	recv class.Receiver
	prog *Program
	err  error
}

func (px *proxy) fail(l *lua.State, err error) int {
	px.err = err
	lua.Errorf(l, "%s", err.Error())
	return 0
}

var selfMeta = []lua.RegistryFunction{
	{Name: "__index", Function: selfIndex},
	{Name: "__newindex", Function: selfNewIndex},
	{Name: "__tostring", Function: selfString},
}

func registerSelf(l *lua.State) {
	lua.NewMetaTable(l, selfTypeName)
	lua.SetFunctions(l, selfMeta, 0)
	l.Pop(1)
}

func selfIndex(l *lua.State) int {
	px := lua.CheckUserData(l, 1, selfTypeName).(*proxy)
	name := lua.CheckString(l, 2)

	if _, ok := px.prog.fields[name]; ok {
		v, err := px.recv.Field(name)
		if err != nil {
			return px.fail(l, err)
		}
		push(l, v)
		return 1
	}
	if _, ok := px.prog.methods[name]; ok {
		l.PushString(name)
		l.PushGoClosure(selfCall, 1)
		return 1
	}
	if kind, member := class.ParseAccessor(name); kind == class.AccessorUnary {
		if k, ok := px.prog.fields[member]; ok && k.IsNumeric() {
			l.PushString(member)
			l.PushGoClosure(selfUnary, 1)
			return 1
		}
	}
	return px.fail(l, fmt.Errorf("%s has no member %q", px.prog.typeName, name))
}

func selfNewIndex(l *lua.State) int {
	px := lua.CheckUserData(l, 1, selfTypeName).(*proxy)
	name := lua.CheckString(l, 2)
	if _, ok := px.prog.fields[name]; !ok {
		return px.fail(l, fmt.Errorf("%s has no attribute %q", px.prog.typeName, name))
	}
	v, err := value(l, 3)
	if err != nil {
		return px.fail(l, err)
	}
	if err := px.recv.SetField(name, v); err != nil {
		return px.fail(l, err)
	}
	return 0
}

func selfString(l *lua.State) int {
	px := lua.CheckUserData(l, 1, selfTypeName).(*proxy)
	l.PushString(px.prog.typeName)
	return 1
}

// selfUnary backs self:_<X>_unary(op). The attribute name is upvalue 1
// and op is the compound update discriminant.
func selfUnary(l *lua.State) int {
	member, _ := l.ToString(lua.UpValueIndex(1))
	px := lua.CheckUserData(l, 1, selfTypeName).(*proxy)
	op := lua.CheckInteger(l, 2)

	res, err := px.recv.Unary(member, op)
	if err != nil {
		return px.fail(l, err)
	}
	push(l, res)
	return 1
}

// selfCall backs self:op(...). The operation name is upvalue 1.
func selfCall(l *lua.State) int {
	op, _ := l.ToString(lua.UpValueIndex(1))
	px := lua.CheckUserData(l, 1, selfTypeName).(*proxy)

	top := l.Top()
	args := make([]any, 0, top-1)
	for i := 2; i <= top; i++ {
		v, err := value(l, i)
		if err != nil {
			return px.fail(l, err)
		}
		args = append(args, v)
	}

	res, err := px.recv.Call(px.ctx, op, args)
	if err != nil {
		return px.fail(l, err)
	}
	push(l, res)
	return 1
}

func push(l *lua.State, v any) {
	switch x := v.(type) {
	case nil:
		l.PushNil()
	case bool:
		l.PushBoolean(x)
	case int:
		l.PushInteger(x)
	case int64:
		l.PushNumber(float64(x))
	case float64:
		l.PushNumber(x)
	case string:
		l.PushString(x)
	default:
		l.PushString(fmt.Sprint(x))
	}
}

func value(l *lua.State, index int) (any, error) {
	switch l.TypeOf(index) {
	case lua.TypeNil, lua.TypeNone:
		return nil, nil
	case lua.TypeBoolean:
		return l.ToBoolean(index), nil
	case lua.TypeNumber:
		n, _ := l.ToNumber(index)
		return n, nil
	case lua.TypeString:
		s, _ := l.ToString(index)
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported Lua value of type %s", lua.TypeNameOf(l, index))
	}
}
