package engine

import (
	"encoding"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/gookit/goutil"
	"gopkg.in/yaml.v3"
)

// Coerce converts a recorded or user-supplied value into T. Strings from
// the command line ("true", "5354", "10.0.0.0/8,fe80::/10") and the plain
// data produced by YAML decoding are both accepted.
func Coerce[T any](v any) (T, error) {
	var out T
	err := coerceInto(reflect.ValueOf(&out).Elem(), v)
	return out, err
}

func coerceInto(dst reflect.Value, v any) error {
	if v == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}

	src := reflect.ValueOf(v)
	if src.Type().AssignableTo(dst.Type()) {
		dst.Set(src)
		return nil
	}

	if dst.Kind() == reflect.Pointer {
		p := reflect.New(dst.Type().Elem())
		if err := coerceInto(p.Elem(), v); err != nil {
			return err
		}
		dst.Set(p)
		return nil
	}
	if src.Kind() == reflect.Pointer {
		if src.IsNil() {
			dst.Set(reflect.Zero(dst.Type()))
			return nil
		}
		return coerceInto(dst, src.Elem().Interface())
	}

	if s, ok := v.(string); ok {
		return coerceString(dst, s)
	}

	if dst.Kind() == reflect.String {
		switch t := v.(type) {
		case encoding.TextMarshaler:
			b, err := t.MarshalText()
			if err != nil {
				return err
			}
			dst.SetString(string(b))
			return nil
		case fmt.Stringer:
			dst.SetString(t.String())
			return nil
		}
	}

	if isNumeric(src.Kind()) && isNumeric(dst.Kind()) {
		dst.Set(src.Convert(dst.Type()))
		return nil
	}

	return yamlInto(dst, v)
}

func coerceString(dst reflect.Value, s string) error {
	p := reflect.New(dst.Type())
	if u, ok := p.Interface().(encoding.TextUnmarshaler); ok {
		if err := u.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
			return err
		}
		dst.Set(p.Elem())
		return nil
	}

	switch dst.Kind() {
	case reflect.String:
		dst.SetString(s)
		return nil
	case reflect.Bool:
		b, err := parseBool(s)
		if err != nil {
			return err
		}
		dst.SetBool(b)
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := goutil.ToInt(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("invalid integer %q", s)
		}
		if dst.OverflowInt(int64(n)) {
			return fmt.Errorf("integer %d out of range", n)
		}
		dst.SetInt(int64(n))
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := goutil.ToInt(strings.TrimSpace(s))
		if err != nil || n < 0 {
			return fmt.Errorf("invalid unsigned integer %q", s)
		}
		if dst.OverflowUint(uint64(n)) {
			return fmt.Errorf("integer %d out of range", n)
		}
		dst.SetUint(uint64(n))
		return nil
	case reflect.Slice:
		trimmed := strings.TrimSpace(s)
		if strings.HasPrefix(trimmed, "[") {
			return yamlString(dst, trimmed)
		}
		out := reflect.MakeSlice(dst.Type(), 0, 0)
		if trimmed != "" {
			for _, part := range strings.Split(trimmed, ",") {
				elem := reflect.New(dst.Type().Elem()).Elem()
				if err := coerceInto(elem, strings.TrimSpace(part)); err != nil {
					return err
				}
				out = reflect.Append(out, elem)
			}
		}
		dst.Set(out)
		return nil
	}
	return yamlString(dst, s)
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "on", "y":
		return true, nil
	case "no", "off", "n":
		return false, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return false, fmt.Errorf("invalid boolean %q", s)
	}
	return b, nil
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

func yamlInto(dst reflect.Value, v any) error {
	b, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("cannot encode %T: %w", v, err)
	}
	return yamlString(dst, string(b))
}

func yamlString(dst reflect.Value, s string) error {
	p := reflect.New(dst.Type())
	if err := yaml.Unmarshal([]byte(s), p.Interface()); err != nil {
		return fmt.Errorf("cannot convert %q to %s: %w", strings.TrimSpace(s), dst.Type(), err)
	}
	dst.Set(p.Elem())
	return nil
}
