package server

import (
	"reflect"
	"strings"

	"p4rpc/rpcerr"
)

type commandType struct {
	method reflect.Method
}

type service struct {
	name    string
	rcvr    reflect.Value
	typ     reflect.Type
	command map[string]*commandType
}

var (
	errorType    = reflect.TypeOf((*error)(nil)).Elem()
	requestType  = reflect.TypeOf((*Request)(nil))
	responseType = reflect.TypeOf((*ResponseWriter)(nil))
)

// newService scans rcvr for command methods.
func newService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, rpcerr.New(rpcerr.Syntax, "register", "receiver must be a pointer, got %v", typ)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, rpcerr.New(rpcerr.Syntax, "register", "receiver must point to a struct, got %s", typ.Elem().Kind())
	}
	svc := &service{
		name:    typ.Elem().Name(),
		rcvr:    reflect.ValueOf(rcvr),
		typ:     typ,
		command: make(map[string]*commandType),
	}
	svc.registerCommands()
	if len(svc.command) == 0 {
		return nil, rpcerr.New(rpcerr.Syntax, "register", "%s has no command methods", svc.name)
	}
	return svc, nil
}

// registerCommands keeps methods of the form
// func (r *T) Name(*Request, *ResponseWriter) error, exposed as "name".
func (s *service) registerCommands() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		m := s.typ.Method(i)
		mt := m.Type
		if mt.NumIn() != 3 || mt.NumOut() != 1 || mt.Out(0) != errorType ||
			mt.In(1) != requestType || mt.In(2) != responseType {
			continue
		}
		s.command[strings.ToLower(m.Name)] = &commandType{method: m}
	}
}

func (s *service) call(ct *commandType, req *Request, w *ResponseWriter) error {
	args := [3]reflect.Value{s.rcvr, reflect.ValueOf(req), reflect.ValueOf(w)}
	results := ct.method.Func.Call(args[:])
	if !results[0].IsNil() {
		return results[0].Interface().(error)
	}
	return nil
}
