// Package deepequal provides a DeepEqual function which behaves like
// reflect.DeepEqual, with one refinement: when a struct type defines an
// Equal method, that method decides equality for values of the type. In
// particular time.Time values compare by instant, so two times which
// represent the same moment are equal even if one carries a monotonic
// clock reading or a different Location.
package deepequal

import (
	"reflect"
	"unsafe"
)

// visit records a pair of pointers whose comparison is in progress, so
// that cycles in recursive types short-circuit instead of looping.
type visit struct {
	a1  unsafe.Pointer
	a2  unsafe.Pointer
	typ reflect.Type
}

// DeepEqual returns true if x and y are deeply equal. Values of distinct
// types are never equal. Unlike reflect.DeepEqual, struct types with an
// Equal method are compared using that method.
func DeepEqual(x, y interface{}) bool {
	if x == nil || y == nil {
		return x == y
	}
	v1 := reflect.ValueOf(x)
	v2 := reflect.ValueOf(y)
	if v1.Type() != v2.Type() {
		return false
	}
	return deepValueEqual(v1, v2, map[visit]bool{})
}

// addressable returns v if it can already be addressed, otherwise an
// addressable copy. Addressability is needed both to call pointer-receiver
// Equal methods and to read unexported fields via unsafe.
func addressable(v reflect.Value) reflect.Value {
	if v.CanAddr() {
		return v
	}
	c := reflect.New(v.Type()).Elem()
	c.Set(v)
	return c
}

// equalByMethod compares two struct values using an Equal method defined on
// the type or its pointer type. The second return value is false if no
// usable Equal method exists.
func equalByMethod(v1, v2 reflect.Value) (eq, ok bool) {
	m, found := reflect.PtrTo(v1.Type()).MethodByName("Equal")
	if !found {
		return false, false
	}
	t := m.Type
	if t.NumIn() != 2 || !t.In(1).AssignableTo(v2.Type()) || t.NumOut() != 1 || t.Out(0).Kind() != reflect.Bool {
		return false, false
	}
	ret := m.Func.Call([]reflect.Value{addressable(v1).Addr(), addressable(v2)})
	return ret[0].Bool(), true
}

// forceExported returns a Value for the same datum which can be read via
// Interface() even if it came from an unexported field.
func forceExported(v reflect.Value) reflect.Value {
	if v.CanInterface() {
		return v
	}
	return reflect.NewAt(v.Type(), unsafe.Pointer(v.UnsafeAddr())).Elem()
}

func deepValueEqual(v1, v2 reflect.Value, visited map[visit]bool) bool {
	if !v1.IsValid() || !v2.IsValid() {
		return v1.IsValid() == v2.IsValid()
	}
	if v1.Type() != v2.Type() {
		return false
	}

	// Only kinds which can participate in a reference cycle need to be
	// tracked in the visited map.
	switch v1.Kind() {
	case reflect.Map, reflect.Slice, reflect.Ptr, reflect.Interface:
		if v1.CanAddr() && v2.CanAddr() {
			addr1 := unsafe.Pointer(v1.UnsafeAddr())
			addr2 := unsafe.Pointer(v2.UnsafeAddr())
			if uintptr(addr1) > uintptr(addr2) {
				addr1, addr2 = addr2, addr1
			}
			v := visit{addr1, addr2, v1.Type()}
			if visited[v] {
				return true
			}
			visited[v] = true
		}
	}

	switch v1.Kind() {
	case reflect.Array:
		for i := 0; i < v1.Len(); i++ {
			if !deepValueEqual(v1.Index(i), v2.Index(i), visited) {
				return false
			}
		}
		return true
	case reflect.Slice:
		if v1.IsNil() != v2.IsNil() || v1.Len() != v2.Len() {
			return false
		}
		if v1.Pointer() == v2.Pointer() {
			return true
		}
		for i := 0; i < v1.Len(); i++ {
			if !deepValueEqual(v1.Index(i), v2.Index(i), visited) {
				return false
			}
		}
		return true
	case reflect.Interface:
		if v1.IsNil() || v2.IsNil() {
			return v1.IsNil() == v2.IsNil()
		}
		return deepValueEqual(v1.Elem(), v2.Elem(), visited)
	case reflect.Ptr:
		if v1.Pointer() == v2.Pointer() {
			return true
		}
		return deepValueEqual(v1.Elem(), v2.Elem(), visited)
	case reflect.Map:
		if v1.IsNil() != v2.IsNil() || v1.Len() != v2.Len() {
			return false
		}
		if v1.Pointer() == v2.Pointer() {
			return true
		}
		for _, k := range v1.MapKeys() {
			e1 := v1.MapIndex(k)
			e2 := v2.MapIndex(k)
			if !e1.IsValid() || !e2.IsValid() || !deepValueEqual(e1, e2, visited) {
				return false
			}
		}
		return true
	case reflect.Struct:
		if eq, ok := equalByMethod(v1, v2); ok {
			return eq
		}
		a1 := addressable(v1)
		a2 := addressable(v2)
		for i := 0; i < a1.NumField(); i++ {
			if !deepValueEqual(forceExported(a1.Field(i)), forceExported(a2.Field(i)), visited) {
				return false
			}
		}
		return true
	case reflect.Func:
		return v1.IsNil() && v2.IsNil()
	default:
		return forceExported(v1).Interface() == forceExported(v2).Interface()
	}
}
