package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

var durationType = reflect.TypeOf(time.Duration(0))

// LoadFromEnv overwrites fields of the struct pointed to by cfg with the
// environment variables named in their `env` tags. Nested structs are walked;
// unset or empty variables leave the field alone.
func LoadFromEnv(cfg any) error {
	v := reflect.ValueOf(cfg)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return fmt.Errorf("LoadFromEnv requires a non-nil struct pointer, got %T", cfg)
	}
	return loadFromEnv(v.Elem())
}

func loadFromEnv(v reflect.Value) error {
	if v.Kind() != reflect.Struct {
		return nil
	}

	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		if !field.CanSet() {
			continue
		}

		if field.Kind() == reflect.Struct {
			if err := loadFromEnv(field); err != nil {
				return err
			}
			continue
		}

		name := t.Field(i).Tag.Get("env")
		if name == "" {
			continue
		}
		value := os.Getenv(name)
		if value == "" {
			continue
		}
		if err := setField(field, value, name); err != nil {
			return err
		}
	}
	return nil
}

func setField(field reflect.Value, value, envVar string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return &ValidationError{Field: envVar, Message: fmt.Sprintf("invalid duration %q", value)}
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return &ValidationError{Field: envVar, Message: fmt.Sprintf("invalid integer %q", value)}
		}
		field.SetInt(n)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return &ValidationError{Field: envVar, Message: fmt.Sprintf("invalid boolean %q", value)}
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type for %s", envVar)
		}
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		field.Set(reflect.ValueOf(parts))

	default:
		return fmt.Errorf("unsupported type %s for %s", field.Kind(), envVar)
	}
	return nil
}
