package values

import (
	"fmt"
	"strconv"
	"strings"
)

// ValueType represents the type of a runtime value.
type ValueType byte

const (
	TypeNull ValueType = iota
	TypeBool
	TypeInt
	TypeFloat
	TypeString
	TypeSymbol
	TypeList
	TypeFunction
	TypeFuture
)

var typeNames = map[ValueType]string{
	TypeNull:     "null",
	TypeBool:     "bool",
	TypeInt:      "int",
	TypeFloat:    "float",
	TypeString:   "string",
	TypeSymbol:   "symbol",
	TypeList:     "list",
	TypeFunction: "function",
	TypeFuture:   "future",
}

func (t ValueType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", byte(t))
}

// Value is a tagged runtime value. Function values carry the identifier of a
// linked function; future values carry the vmid whose future they reference.
type Value struct {
	Type ValueType
	Data interface{}
}

// Constructors for the different value types.

func NewNull() *Value {
	return &Value{Type: TypeNull, Data: nil}
}

func NewBool(b bool) *Value {
	return &Value{Type: TypeBool, Data: b}
}

func NewInt(i int64) *Value {
	return &Value{Type: TypeInt, Data: i}
}

func NewFloat(f float64) *Value {
	return &Value{Type: TypeFloat, Data: f}
}

func NewString(s string) *Value {
	return &Value{Type: TypeString, Data: s}
}

func NewSymbol(s string) *Value {
	return &Value{Type: TypeSymbol, Data: s}
}

func NewList(items ...*Value) *Value {
	if items == nil {
		items = []*Value{}
	}
	return &Value{Type: TypeList, Data: items}
}

// NewFunction creates a function pointer value referencing a linked function
// by identifier.
func NewFunction(identifier string) *Value {
	return &Value{Type: TypeFunction, Data: identifier}
}

// NewFuture creates a future pointer value referencing the future of the
// machine identified by vmid.
func NewFuture(vmid int) *Value {
	return &Value{Type: TypeFuture, Data: vmid}
}

// Type checking methods

func (v *Value) IsNull() bool {
	return v.Type == TypeNull
}

func (v *Value) IsBool() bool {
	return v.Type == TypeBool
}

func (v *Value) IsInt() bool {
	return v.Type == TypeInt
}

func (v *Value) IsFloat() bool {
	return v.Type == TypeFloat
}

func (v *Value) IsNumeric() bool {
	return v.Type == TypeInt || v.Type == TypeFloat
}

func (v *Value) IsString() bool {
	return v.Type == TypeString
}

func (v *Value) IsSymbol() bool {
	return v.Type == TypeSymbol
}

func (v *Value) IsList() bool {
	return v.Type == TypeList
}

func (v *Value) IsFunction() bool {
	return v.Type == TypeFunction
}

func (v *Value) IsFuture() bool {
	return v.Type == TypeFuture
}

// Typed accessors. Calling an accessor on a value of the wrong type is a
// programming error and panics like any other bad type assertion.

func (v *Value) Bool() bool {
	return v.Data.(bool)
}

func (v *Value) Int() int64 {
	return v.Data.(int64)
}

func (v *Value) Float() float64 {
	return v.Data.(float64)
}

func (v *Value) Str() string {
	return v.Data.(string)
}

// Sym returns the symbol name.
func (v *Value) Sym() string {
	return v.Data.(string)
}

// Items returns the elements of a list value.
func (v *Value) Items() []*Value {
	return v.Data.([]*Value)
}

// FunctionName returns the identifier a function pointer references.
func (v *Value) FunctionName() string {
	return v.Data.(string)
}

// FutureVMID returns the vmid a future pointer references.
func (v *Value) FutureVMID() int {
	return v.Data.(int)
}

// ToBool reports the truthiness of a value: null and false are falsy,
// everything else is truthy.
func (v *Value) ToBool() bool {
	switch v.Type {
	case TypeNull:
		return false
	case TypeBool:
		return v.Data.(bool)
	default:
		return true
	}
}

// ToFloat widens a numeric value to float64.
func (v *Value) ToFloat() float64 {
	switch v.Type {
	case TypeInt:
		return float64(v.Data.(int64))
	case TypeFloat:
		return v.Data.(float64)
	default:
		return 0
	}
}

// ToString renders a value for display and probe output.
func (v *Value) ToString() string {
	switch v.Type {
	case TypeNull:
		return "null"
	case TypeBool:
		if v.Data.(bool) {
			return "true"
		}
		return "false"
	case TypeInt:
		return strconv.FormatInt(v.Data.(int64), 10)
	case TypeFloat:
		return strconv.FormatFloat(v.Data.(float64), 'g', -1, 64)
	case TypeString:
		return v.Data.(string)
	case TypeSymbol:
		return v.Data.(string)
	case TypeList:
		items := v.Data.([]*Value)
		parts := make([]string, len(items))
		for i, item := range items {
			parts[i] = item.ToString()
		}
		return "[" + strings.Join(parts, " ") + "]"
	case TypeFunction:
		return "#" + v.Data.(string)
	case TypeFuture:
		return fmt.Sprintf("future<%d>", v.Data.(int))
	default:
		return fmt.Sprintf("unknown<%v>", v.Data)
	}
}

func (v *Value) String() string {
	return v.ToString()
}

// Equal compares two values. Futures and functions compare by identity
// (vmid and identifier respectively), lists element-wise, numbers after
// widening when the types differ.
func (v *Value) Equal(other *Value) bool {
	if v == nil || other == nil {
		return v == other
	}
	if v.Type != other.Type {
		if v.IsNumeric() && other.IsNumeric() {
			return v.ToFloat() == other.ToFloat()
		}
		return false
	}
	switch v.Type {
	case TypeNull:
		return true
	case TypeList:
		a, b := v.Items(), other.Items()
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if !a[i].Equal(b[i]) {
				return false
			}
		}
		return true
	default:
		return v.Data == other.Data
	}
}
