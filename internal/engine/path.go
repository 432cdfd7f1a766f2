package engine

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	vulaerrors "github.com/ioerror/vula/pkg/errors"
)

// ParsePath splits a dotted path such as "peers.<id>.petname". Map keys
// containing dots (IP addresses) may be written in brackets:
// "peers.<id>.enabled_ipv4.[10.0.0.1]".
func ParsePath(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, invalidPath("empty path")
	}

	var out []string
	for len(s) > 0 {
		if s[0] == '[' {
			end := strings.IndexByte(s, ']')
			if end < 0 {
				return nil, invalidPath(fmt.Sprintf("unterminated bracket in %q", s))
			}
			out = append(out, s[1:end])
			s = s[end+1:]
			if s != "" {
				if s[0] != '.' {
					return nil, invalidPath(fmt.Sprintf("expected '.' after bracketed key in %q", s))
				}
				s = s[1:]
			}
			continue
		}
		seg, rest, found := strings.Cut(s, ".")
		if seg == "" {
			return nil, invalidPath("empty path segment")
		}
		out = append(out, seg)
		s = rest
		if found && rest == "" {
			return nil, invalidPath("trailing '.' in path")
		}
	}
	return out, nil
}

// ApplyPath performs w against root, which must be a non-nil pointer. Path
// segments name struct fields by their yaml tag, map keys, or slice indexes.
//
// SET replaces the value at the path. ADD and REMOVE operate on the
// collection the path names: a list behaves as an ordered set, a map takes
// either a map of entries to merge or, for map[K]bool, a key to set true.
func ApplyPath(root any, w Write) error {
	if len(w.Path) == 0 {
		return invalidPath("empty path")
	}
	v := reflect.ValueOf(root)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return invalidPath(fmt.Sprintf("cannot write into %T", root))
	}
	return applyAt(v.Elem(), w.Path, w)
}

func applyAt(v reflect.Value, path []string, w Write) error {
	if len(path) == 0 {
		return applyLeaf(v, w)
	}

	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		v = v.Elem()
	}

	key, rest := path[0], path[1:]
	switch v.Kind() {
	case reflect.Struct:
		f, ok := fieldByName(v, key)
		if !ok {
			return invalidPath(fmt.Sprintf("no field %q in %s", key, v.Type()))
		}
		return applyAt(f, rest, w)

	case reflect.Map:
		return applyMapEntry(v, key, rest, w)

	case reflect.Slice:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= v.Len() {
			return invalidPath(fmt.Sprintf("index %q out of range", key))
		}
		return applyAt(v.Index(i), rest, w)
	}
	return invalidPath(fmt.Sprintf("cannot descend into %s at %q", v.Type(), key))
}

func applyMapEntry(m reflect.Value, key string, rest []string, w Write) error {
	if m.IsNil() {
		m.Set(reflect.MakeMap(m.Type()))
	}
	k := reflect.New(m.Type().Key()).Elem()
	if err := coerceInto(k, key); err != nil {
		return invalidPath(fmt.Sprintf("bad map key %q: %v", key, err))
	}

	elemType := m.Type().Elem()
	if len(rest) == 0 && w.Op == OpSet {
		elem := reflect.New(elemType).Elem()
		if err := coerceInto(elem, w.Value); err != nil {
			return err
		}
		m.SetMapIndex(k, elem)
		return nil
	}

	cur := m.MapIndex(k)
	if !cur.IsValid() && w.Op == OpRemove {
		return vulaerrors.NewStateError(vulaerrors.ErrCodeInvalidPath, fmt.Sprintf("no entry %q", key), nil)
	}

	// Map entries are not addressable; edit a copy and store it back.
	tmp := reflect.New(elemType).Elem()
	if cur.IsValid() {
		tmp.Set(cur)
	}
	if err := applyAt(tmp, rest, w); err != nil {
		return err
	}
	m.SetMapIndex(k, tmp)
	return nil
}

func applyLeaf(v reflect.Value, w Write) error {
	switch w.Op {
	case OpSet:
		return coerceInto(v, w.Value)
	case OpAdd:
		return addTo(v, w.Value)
	case OpRemove:
		return removeFrom(v, w.Value)
	}
	return invalidPath(fmt.Sprintf("unknown op %q", w.Op))
}

func fieldByName(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		tag, _, _ := strings.Cut(sf.Tag.Get("yaml"), ",")
		if tag == "-" {
			continue
		}
		if tag == "" {
			tag = strings.ToLower(sf.Name)
		}
		if tag == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

func invalidPath(msg string) error {
	return vulaerrors.NewStateError(vulaerrors.ErrCodeInvalidPath, msg, nil)
}
