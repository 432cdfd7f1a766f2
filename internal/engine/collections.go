package engine

import (
	"fmt"
	"reflect"

	vulaerrors "github.com/ioerror/vula/pkg/errors"
)

func addTo(v reflect.Value, value any) error {
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Slice:
		elem := reflect.New(v.Type().Elem()).Elem()
		if err := coerceInto(elem, value); err != nil {
			return err
		}
		out := reflect.MakeSlice(v.Type(), 0, v.Len()+1)
		for i := 0; i < v.Len(); i++ {
			if !reflect.DeepEqual(v.Index(i).Interface(), elem.Interface()) {
				out = reflect.Append(out, v.Index(i))
			}
		}
		v.Set(reflect.Append(out, elem))
		return nil

	case reflect.Map:
		if v.IsNil() {
			v.Set(reflect.MakeMap(v.Type()))
		}
		if entries := reflect.ValueOf(value); value != nil && entries.Kind() == reflect.Map {
			iter := entries.MapRange()
			for iter.Next() {
				k := reflect.New(v.Type().Key()).Elem()
				if err := coerceInto(k, iter.Key().Interface()); err != nil {
					return err
				}
				e := reflect.New(v.Type().Elem()).Elem()
				if err := coerceInto(e, iter.Value().Interface()); err != nil {
					return err
				}
				v.SetMapIndex(k, e)
			}
			return nil
		}
		if v.Type().Elem().Kind() != reflect.Bool {
			return vulaerrors.NewStateError(vulaerrors.ErrCodeInvalidPath,
				fmt.Sprintf("ADD to %s needs a map of entries", v.Type()), nil)
		}
		k := reflect.New(v.Type().Key()).Elem()
		if err := coerceInto(k, value); err != nil {
			return err
		}
		v.SetMapIndex(k, reflect.ValueOf(true).Convert(v.Type().Elem()))
		return nil
	}

	return vulaerrors.NewStateError(vulaerrors.ErrCodeInvalidPath, fmt.Sprintf("cannot ADD to %s", v.Type()), nil)
}

func removeFrom(v reflect.Value, value any) error {
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return vulaerrors.NewStateError(vulaerrors.ErrCodeInvalidPath, "cannot REMOVE from nil", nil)
		}
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Slice:
		elem := reflect.New(v.Type().Elem()).Elem()
		if err := coerceInto(elem, value); err != nil {
			return err
		}
		out := reflect.MakeSlice(v.Type(), 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			if !reflect.DeepEqual(v.Index(i).Interface(), elem.Interface()) {
				out = reflect.Append(out, v.Index(i))
			}
		}
		v.Set(out)
		return nil

	case reflect.Map:
		k := reflect.New(v.Type().Key()).Elem()
		if err := coerceInto(k, value); err != nil {
			return err
		}
		if v.IsNil() || !v.MapIndex(k).IsValid() {
			return vulaerrors.NewStateError(vulaerrors.ErrCodeInvalidPath, fmt.Sprintf("no entry %v", value), nil)
		}
		v.SetMapIndex(k, reflect.Value{})
		return nil
	}

	return vulaerrors.NewStateError(vulaerrors.ErrCodeInvalidPath, fmt.Sprintf("cannot REMOVE from %s", v.Type()), nil)
}
