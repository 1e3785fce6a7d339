package config

import (
	"reflect"
	"time"
)

// Diff returns the exported fields that differ between before and after, which
// must be structs or pointers to structs of the same type. Nested structs
// are descended into and reported with dotted paths.
func Diff(before, after any, source string) []*ConfigChange {
	ov, nv := indirect(reflect.ValueOf(before)), indirect(reflect.ValueOf(after))
	if !ov.IsValid() || !nv.IsValid() || ov.Type() != nv.Type() || ov.Kind() != reflect.Struct {
		return nil
	}
	var changes []*ConfigChange
	diffStruct(ov, nv, "", source, time.Now(), &changes)
	return changes
}

func indirect(v reflect.Value) reflect.Value {
	for v.IsValid() && v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

func diffStruct(ov, nv reflect.Value, prefix, source string, now time.Time, changes *[]*ConfigChange) {
	t := ov.Type()
	for i := range t.NumField() {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		path := f.Name
		if prefix != "" {
			path = prefix + "." + f.Name
		}
		of, nf := ov.Field(i), nv.Field(i)
		if f.Type.Kind() == reflect.Struct && f.Type != reflect.TypeFor[time.Time]() {
			diffStruct(of, nf, path, source, now, changes)
			continue
		}
		if reflect.DeepEqual(of.Interface(), nf.Interface()) {
			continue
		}
		*changes = append(*changes, &ConfigChange{
			FieldPath: path,
			OldValue:  of.Interface(),
			NewValue:  nf.Interface(),
			Source:    source,
			Timestamp: now,
		})
	}
}
