package host

import (
	"fmt"
	"slices"
	"strconv"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Key names a property or an integer index.
type Key struct {
	Name    string
	Index   uint32
	IsIndex bool
}

// Name returns a named-property key.
func Name(name string) Key {
	return Key{Name: name}
}

// Index returns an integer-index key.
func Index(i uint32) Key {
	return Key{Index: i, IsIndex: true}
}

// String returns the property name, or the decimal form of an index.
func (k Key) String() string {
	if k.IsIndex {
		return strconv.FormatUint(uint64(k.Index), 10)
	}
	return k.Name
}

// Canonical folds a name that spells a canonical array index into an index key.
func (k Key) Canonical() Key {
	if k.IsIndex {
		return k
	}
	if i, ok := ParseIndex(k.Name); ok {
		return Index(i)
	}
	return k
}

// ParseIndex reports whether s is the canonical decimal form of a uint32.
func ParseIndex(s string) (uint32, bool) {
	if s == "" || (len(s) > 1 && s[0] == '0') {
		return 0, false
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// EnumFilter selects which keys an enumeration returns.
type EnumFilter int

const (
	EnumAll EnumFilter = iota
	EnumProperties
	EnumIndices
)

func (f EnumFilter) String() string {
	switch f {
	case EnumProperties:
		return "properties"
	case EnumIndices:
		return "indices"
	}
	return "all"
}

// Includes reports whether key k passes the filter.
func (f EnumFilter) Includes(k Key) bool {
	switch f {
	case EnumProperties:
		return !k.IsIndex
	case EnumIndices:
		return k.IsIndex
	}
	return true
}

// Function is the Go implementation of a callable host object.
// this is the receiver when invoked as a method, nil otherwise.
type Function func(this *Object, args []any) (any, error)

// Class supplies the behavior of an exotic object, such as a proxy for a
// value owned by another runtime. Plain objects have no class.
type Class interface {
	Get(o *Object, k Key) (any, error)
	Set(o *Object, k Key, v any) error
	Has(o *Object, k Key) (bool, error)
	Delete(o *Object, k Key) (bool, error)
	Keys(o *Object, f EnumFilter) ([]string, error)
	Invoke(o *Object, method string, args []any) (any, error)
	Call(o *Object, args []any) (any, error)
	Callable(o *Object) bool
}

// Object is a host object: an ordered property bag that may also be
// callable, an array, or backed by a Class.
//
// Property values are nil, bool, int64, float64, string, *Buffer or *Object.
type Object struct {
	props  *orderedmap.OrderedMap[string, any]
	fn     Function
	class  Class
	array  bool
	length uint32

	// Internal is reserved for the Class implementation.
	Internal any
}

// NewObject returns an empty plain object.
func NewObject() *Object {
	return &Object{props: orderedmap.New[string, any]()}
}

// NewObjectFrom returns a plain object with the given properties in order.
func NewObjectFrom(pairs ...any) *Object {
	o := NewObject()
	for i := 0; i+1 < len(pairs); i += 2 {
		o.props.Set(fmt.Sprint(pairs[i]), pairs[i+1])
	}
	return o
}

// NewArray returns an array object holding vals at indices 0..n-1.
func NewArray(vals ...any) *Object {
	o := NewObject()
	o.array = true
	for i, v := range vals {
		o.props.Set(strconv.Itoa(i), v)
	}
	o.length = uint32(len(vals))
	return o
}

// NewFunc returns a callable object.
func NewFunc(fn Function) *Object {
	o := NewObject()
	o.fn = fn
	return o
}

// NewExotic returns an object whose behavior is supplied by class.
func NewExotic(class Class, internal any) *Object {
	return &Object{class: class, Internal: internal}
}

// Class returns the object's class, or nil for plain objects.
func (o *Object) Class() Class {
	return o.class
}

// IsArray reports whether o was created with NewArray.
func (o *Object) IsArray() bool {
	return o.array
}

// Callable reports whether o can be called.
func (o *Object) Callable() bool {
	if o.class != nil {
		return o.class.Callable(o)
	}
	return o.fn != nil
}

// Len returns the length of an array, 0 otherwise.
func (o *Object) Len() int {
	if o.array {
		return int(o.length)
	}
	return 0
}

// Get reads a property. Missing properties read as nil.
func (o *Object) Get(k Key) (any, error) {
	if o.class != nil {
		return o.class.Get(o, k)
	}
	k = k.Canonical()
	if o.array && !k.IsIndex && k.Name == "length" {
		return int64(o.length), nil
	}
	v, _ := o.props.Get(k.String())
	return v, nil
}

// GetName is shorthand for Get(Name(name)).
func (o *Object) GetName(name string) any {
	v, _ := o.Get(Name(name))
	return v
}

// Set writes a property. Setting "length" on an array truncates it.
func (o *Object) Set(k Key, v any) error {
	if o.class != nil {
		return o.class.Set(o, k, v)
	}
	k = k.Canonical()
	if o.array {
		if !k.IsIndex && k.Name == "length" {
			n, ok := ToUint32(v)
			if !ok {
				return TypeError("invalid array length")
			}
			o.truncate(n)
			return nil
		}
		if k.IsIndex && k.Index >= o.length {
			o.length = k.Index + 1
		}
	}
	o.props.Set(k.String(), v)
	return nil
}

func (o *Object) truncate(n uint32) {
	for i := n; i < o.length; i++ {
		o.props.Delete(strconv.FormatUint(uint64(i), 10))
	}
	o.length = n
}

// Has reports whether the property exists.
func (o *Object) Has(k Key) (bool, error) {
	if o.class != nil {
		return o.class.Has(o, k)
	}
	k = k.Canonical()
	if o.array && !k.IsIndex && k.Name == "length" {
		return true, nil
	}
	_, ok := o.props.Get(k.String())
	return ok, nil
}

// Delete removes a property and reports whether it existed.
func (o *Object) Delete(k Key) (bool, error) {
	if o.class != nil {
		return o.class.Delete(o, k)
	}
	_, ok := o.props.Delete(k.Canonical().String())
	return ok, nil
}

// Keys returns a snapshot of the object's keys: indices in ascending
// numeric order, then named properties in insertion order.
func (o *Object) Keys(f EnumFilter) ([]string, error) {
	if o.class != nil {
		return o.class.Keys(o, f)
	}
	var indices []uint32
	var names []string
	for pair := o.props.Oldest(); pair != nil; pair = pair.Next() {
		if i, ok := ParseIndex(pair.Key); ok {
			if f != EnumProperties {
				indices = append(indices, i)
			}
		} else if f != EnumIndices {
			names = append(names, pair.Key)
		}
	}
	slices.Sort(indices)
	keys := make([]string, 0, len(indices)+len(names))
	for _, i := range indices {
		keys = append(keys, strconv.FormatUint(uint64(i), 10))
	}
	return append(keys, names...), nil
}

// Invoke calls the named method with o as the receiver.
func (o *Object) Invoke(method string, args []any) (any, error) {
	if o.class != nil {
		return o.class.Invoke(o, method, args)
	}
	v, _ := o.props.Get(method)
	fn, ok := v.(*Object)
	if !ok || !fn.Callable() {
		return nil, TypeError("%s is not a function", method)
	}
	return fn.callWith(o, args)
}

// Call calls o as a function.
func (o *Object) Call(args []any) (any, error) {
	return o.callWith(nil, args)
}

func (o *Object) callWith(this *Object, args []any) (any, error) {
	if o.class != nil {
		return o.class.Call(o, args)
	}
	if o.fn == nil {
		return nil, TypeError("object is not a function")
	}
	return o.fn(this, args)
}

// ToUint32 converts a numeric host value to a non-negative 32-bit integer.
func ToUint32(v any) (uint32, bool) {
	switch n := v.(type) {
	case int:
		if n >= 0 && int64(n) <= int64(^uint32(0)) {
			return uint32(n), true
		}
	case int64:
		if n >= 0 && n <= int64(^uint32(0)) {
			return uint32(n), true
		}
	case float64:
		if n >= 0 && n <= float64(^uint32(0)) && n == float64(uint32(n)) {
			return uint32(n), true
		}
	}
	return 0, false
}
