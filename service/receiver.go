package service

import (
	"context"
	"fmt"
	"reflect"

	"wsrpc/codec"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

type methodType struct {
	method    reflect.Method
	rcvr      reflect.Value
	withCtx   bool
	ArgType   reflect.Type
	ReplyType reflect.Type
}

// Receiver is a struct whose methods have been scanned into handlers.
type Receiver struct {
	name    string
	methods map[string]*methodType
}

// NewReceiver scans the exported methods of rcvr, which must be a pointer to a
// struct. A method is kept when it looks like one of
//
//	func (t *T) Method(ctx context.Context, args *Args, reply *Reply) error
//	func (t *T) Method(args *Args, reply *Reply) error
func NewReceiver(rcvr any) (*Receiver, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("rpc: rcvr must be a pointer, got %v", typ)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("rpc: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}

	recv := &Receiver{
		name:    typ.Elem().Name(),
		methods: make(map[string]*methodType),
	}
	val := reflect.ValueOf(rcvr)
	for i := 0; i < typ.NumMethod(); i++ {
		if mt := scanMethod(typ.Method(i)); mt != nil {
			mt.rcvr = val
			recv.methods[mt.method.Name] = mt
		}
	}
	return recv, nil
}

func (r *Receiver) Name() string {
	return r.name
}

func scanMethod(method reflect.Method) *methodType {
	mtype := method.Type
	if mtype.NumOut() != 1 || mtype.Out(0) != errorType {
		return nil
	}

	// In(0) is the receiver.
	first := 1
	withCtx := false
	switch mtype.NumIn() {
	case 4:
		if mtype.In(1) != contextType {
			return nil
		}
		first, withCtx = 2, true
	case 3:
	default:
		return nil
	}

	argType, replyType := mtype.In(first), mtype.In(first+1)
	if argType.Kind() != reflect.Ptr || replyType.Kind() != reflect.Ptr {
		return nil
	}
	return &methodType{
		method:    method,
		withCtx:   withCtx,
		ArgType:   argType.Elem(),
		ReplyType: replyType.Elem(),
	}
}

// Invoke decodes the argument, calls the method through reflection and
// encodes whatever it left in the reply.
func (m *methodType) Invoke(ctx context.Context, ct codec.Type, payload []byte) ([]byte, error) {
	c, err := codec.Get(ct)
	if err != nil {
		return nil, err
	}

	argv := reflect.New(m.ArgType)
	replyv := reflect.New(m.ReplyType)
	if err := c.Decode(payload, argv.Interface()); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}

	args := []reflect.Value{m.rcvr}
	if m.withCtx {
		args = append(args, reflect.ValueOf(ctx))
	}
	args = append(args, argv, replyv)
	results := m.method.Func.Call(args)
	if errInter := results[0].Interface(); errInter != nil {
		return nil, errInter.(error)
	}
	return c.Encode(replyv.Interface())
}
