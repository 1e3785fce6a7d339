package feeders

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/golobby/cast"
)

// PrefixedEnvFeeder reads environment variables named PREFIX_TAG for the
// env tags of a struct. Unlike EnvFeeder it parses time.Duration fields
// with time.ParseDuration. Unset or empty variables leave fields unchanged.
type PrefixedEnvFeeder struct {
	Prefix string
}

// NewPrefixedEnvFeeder creates a feeder for variables starting with prefix.
func NewPrefixedEnvFeeder(prefix string) PrefixedEnvFeeder {
	return PrefixedEnvFeeder{Prefix: strings.ToUpper(strings.TrimSuffix(prefix, "_"))}
}

// Describe names the source of the feeder.
func (f PrefixedEnvFeeder) Describe() (kind, location string) {
	return "env", f.Prefix
}

// Feed sets the fields of structure, a pointer to a struct.
func (f PrefixedEnvFeeder) Feed(structure any) error {
	rv := reflect.ValueOf(structure)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("%w: %T", ErrEnvInvalidStructure, structure)
	}
	return f.feedStruct(rv.Elem())
}

func (f PrefixedEnvFeeder) feedStruct(rv reflect.Value) error {
	for i := range rv.NumField() {
		field := rv.Field(i)
		fieldType := rv.Type().Field(i)
		if !fieldType.IsExported() {
			continue
		}
		if field.Kind() == reflect.Struct {
			if err := f.feedStruct(field); err != nil {
				return err
			}
			continue
		}
		tag, ok := fieldType.Tag.Lookup("env")
		if !ok || tag == "" {
			continue
		}
		name := strings.ToUpper(tag)
		if f.Prefix != "" {
			name = f.Prefix + "_" + name
		}
		value := os.Getenv(name)
		if value == "" {
			continue
		}
		if err := setFieldValue(field, value); err != nil {
			return fmt.Errorf("error in field '%s' from %s: %w", fieldType.Name, name, err)
		}
	}
	return nil
}

var durationType = reflect.TypeFor[time.Duration]()

func setFieldValue(field reflect.Value, strValue string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(strValue)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrEnvConvert, err)
		}
		field.SetInt(int64(d))
		return nil
	}
	converted, err := cast.FromType(strValue, field.Type())
	if err != nil {
		return fmt.Errorf("%w to %v: %w", ErrEnvConvert, field.Type(), err)
	}
	field.Set(reflect.ValueOf(converted).Convert(field.Type()))
	return nil
}
