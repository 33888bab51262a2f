package values

import (
	"encoding/json"
	"fmt"
)

// wireValue is the serialized form used by durable storage backends. The tag
// disambiguates types that share a wire representation (string vs symbol,
// int vs future vmid).
type wireValue struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

// MarshalJSON encodes a value as a tagged wire record.
func (v *Value) MarshalJSON() ([]byte, error) {
	var payload interface{}
	switch v.Type {
	case TypeNull:
		payload = nil
	case TypeBool:
		payload = v.Data.(bool)
	case TypeInt:
		payload = v.Data.(int64)
	case TypeFloat:
		payload = v.Data.(float64)
	case TypeString, TypeSymbol, TypeFunction:
		payload = v.Data.(string)
	case TypeFuture:
		payload = v.Data.(int)
	case TypeList:
		payload = v.Data.([]*Value)
	default:
		return nil, fmt.Errorf("cannot marshal value of type %s", v.Type)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireValue{Type: v.Type.String(), Value: raw})
}

// UnmarshalJSON decodes a tagged wire record back into a value.
func (v *Value) UnmarshalJSON(data []byte) error {
	var wire wireValue
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	switch wire.Type {
	case "null":
		v.Type, v.Data = TypeNull, nil
	case "bool":
		var b bool
		if err := json.Unmarshal(wire.Value, &b); err != nil {
			return err
		}
		v.Type, v.Data = TypeBool, b
	case "int":
		var i int64
		if err := json.Unmarshal(wire.Value, &i); err != nil {
			return err
		}
		v.Type, v.Data = TypeInt, i
	case "float":
		var f float64
		if err := json.Unmarshal(wire.Value, &f); err != nil {
			return err
		}
		v.Type, v.Data = TypeFloat, f
	case "string", "symbol", "function":
		var s string
		if err := json.Unmarshal(wire.Value, &s); err != nil {
			return err
		}
		v.Data = s
		switch wire.Type {
		case "string":
			v.Type = TypeString
		case "symbol":
			v.Type = TypeSymbol
		default:
			v.Type = TypeFunction
		}
	case "future":
		var vmid int
		if err := json.Unmarshal(wire.Value, &vmid); err != nil {
			return err
		}
		v.Type, v.Data = TypeFuture, vmid
	case "list":
		var items []*Value
		if err := json.Unmarshal(wire.Value, &items); err != nil {
			return err
		}
		if items == nil {
			items = []*Value{}
		}
		v.Type, v.Data = TypeList, items
	default:
		return fmt.Errorf("cannot unmarshal value of type %q", wire.Type)
	}
	return nil
}
