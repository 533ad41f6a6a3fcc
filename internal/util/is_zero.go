package util

import "reflect"

// IsZero reports whether i equals the zero value of its type.
func IsZero(i interface{}) bool {
	return IsZeroVal(reflect.ValueOf(i))
}

func IsZeroVal(v reflect.Value) bool {
	return v.Interface() == reflect.Zero(v.Type()).Interface()
}

// MergeNonZero overwrites dst fields with corresponding non-zero src fields.
// dst and src must be pointers to the same struct type with comparable fields.
// Config values merge rules: file value overrides default, flag value overrides any.
func MergeNonZero(dst, src interface{}) {
	dstVal := reflect.ValueOf(dst).Elem()
	srcVal := reflect.ValueOf(src).Elem()
	for i, end := 0, dstVal.NumField(); i < end; i++ {
		f := srcVal.Field(i)
		if !IsZeroVal(f) {
			dstVal.Field(i).Set(f)
		}
	}
}
