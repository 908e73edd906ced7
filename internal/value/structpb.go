package value

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/types/known/structpb"
)

// ToProto converts v into a protobuf Struct value for the wire.
func (v Value) ToProto() (*structpb.Value, error) {
	switch v.kind {
	case KindNull:
		return structpb.NewNullValue(), nil
	case KindBool:
		return structpb.NewBoolValue(v.b), nil
	case KindNumber:
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			return nil, fmt.Errorf("value: unsupported number %v", v.num)
		}
		return structpb.NewNumberValue(v.num), nil
	case KindString:
		return structpb.NewStringValue(v.s), nil
	case KindArray:
		list := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(v.arr))}
		for _, item := range v.arr {
			pv, err := item.ToProto()
			if err != nil {
				return nil, err
			}
			list.Values = append(list.Values, pv)
		}
		return structpb.NewListValue(list), nil
	case KindObject:
		st, err := FromObjectToStruct(v.obj)
		if err != nil {
			return nil, err
		}
		return structpb.NewStructValue(st), nil
	}
	return nil, fmt.Errorf("value: unknown kind %d", v.kind)
}

// FromObjectToStruct converts object members into a protobuf Struct.
func FromObjectToStruct(o map[string]Value) (*structpb.Struct, error) {
	st := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(o))}
	for k, m := range o {
		pv, err := m.ToProto()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		st.Fields[k] = pv
	}
	return st, nil
}

// FromProto converts a protobuf value. Whole numbers become integral.
func FromProto(pv *structpb.Value) Value {
	if pv == nil {
		return Null()
	}
	switch k := pv.GetKind().(type) {
	case *structpb.Value_BoolValue:
		return Bool(k.BoolValue)
	case *structpb.Value_NumberValue:
		return Float(k.NumberValue)
	case *structpb.Value_StringValue:
		return String(k.StringValue)
	case *structpb.Value_ListValue:
		items := make([]Value, 0, len(k.ListValue.GetValues()))
		for _, item := range k.ListValue.GetValues() {
			items = append(items, FromProto(item))
		}
		return Value{kind: KindArray, arr: items}
	case *structpb.Value_StructValue:
		return FromStruct(k.StructValue).Value()
	}
	return Null()
}

// FromStruct converts a protobuf Struct into an Object.
func FromStruct(st *structpb.Struct) Object {
	obj := make(Object, len(st.GetFields()))
	for k, pv := range st.GetFields() {
		obj[k] = FromProto(pv)
	}
	return obj
}
