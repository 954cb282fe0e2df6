package state

import (
	"reflect"
	"sort"

	"github.com/spf13/cast"
)

// Has reports whether name is present.
func Has(acc Accessor, name string) bool {
	if acc == nil {
		return false
	}
	_, ok := acc.Get(name)
	return ok
}

func Float(acc Accessor, name string, def float64) float64 {
	v := GetAttr(acc, name, nil)
	if v == nil {
		return def
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return def
	}
	return f
}

func Int(acc Accessor, name string, def int) int {
	v := GetAttr(acc, name, nil)
	if v == nil {
		return def
	}
	i, err := cast.ToIntE(v)
	if err != nil {
		f, ferr := cast.ToFloat64E(v)
		if ferr != nil {
			return def
		}
		return int(f)
	}
	return i
}

func String(acc Accessor, name string, def string) string {
	v := GetAttr(acc, name, nil)
	if v == nil {
		return def
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return def
	}
	return s
}

func Bool(acc Accessor, name string, def bool) bool {
	v := GetAttr(acc, name, nil)
	if v == nil {
		return def
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return def
	}
	return b
}

// List returns the value under name as a slice, or nil.
func List(acc Accessor, name string) []any {
	v := GetAttr(acc, name, nil)
	if v == nil {
		return nil
	}
	return toSlice(v)
}

// Count returns the length of a list value, or the value itself when it is
// numeric. Missing values count as 0.
func Count(acc Accessor, name string) int {
	v := GetAttr(acc, name, nil)
	if v == nil {
		return 0
	}
	if l := toSlice(v); l != nil {
		return len(l)
	}
	if m, err := cast.ToStringMapE(v); err == nil {
		return len(m)
	}
	return Int(acc, name, 0)
}

func Strings(acc Accessor, name string) []string {
	v := GetAttr(acc, name, nil)
	if v == nil {
		return nil
	}
	s, err := cast.ToStringSliceE(v)
	if err != nil {
		return nil
	}
	return s
}

// Records returns raw_data-style values: a sequence of flat records.
// Elements that are not records are dropped.
func Records(acc Accessor, name string) []map[string]any {
	v := GetAttr(acc, name, nil)
	if v == nil {
		return nil
	}
	if recs, ok := v.([]map[string]any); ok {
		return recs
	}
	items := toSlice(v)
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		rec, err := cast.ToStringMapE(item)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func StringMap(acc Accessor, name string) map[string]string {
	v := GetAttr(acc, name, nil)
	if v == nil {
		return map[string]string{}
	}
	m, err := cast.ToStringMapStringE(v)
	if err != nil {
		return map[string]string{}
	}
	return m
}

func BoolMap(acc Accessor, name string) map[string]bool {
	v := GetAttr(acc, name, nil)
	if v == nil {
		return map[string]bool{}
	}
	m, err := cast.ToStringMapBoolE(v)
	if err != nil {
		return map[string]bool{}
	}
	return m
}

func FloatMap(acc Accessor, name string) map[string]float64 {
	out := map[string]float64{}
	v := GetAttr(acc, name, nil)
	switch m := v.(type) {
	case nil:
		return out
	case map[string]float64:
		for k, f := range m {
			out[k] = f
		}
		return out
	case map[string]int:
		for k, i := range m {
			out[k] = float64(i)
		}
		return out
	}
	m, err := cast.ToStringMapE(v)
	if err != nil {
		return out
	}
	for k, raw := range m {
		if f, err := cast.ToFloat64E(raw); err == nil {
			out[k] = f
		}
	}
	return out
}

func IntMap(acc Accessor, name string) map[string]int {
	out := map[string]int{}
	for k, f := range FloatMap(acc, name) {
		out[k] = int(f)
	}
	return out
}

// SortedKeys returns the keys of a record in lexical order.
func SortedKeys(rec map[string]any) []string {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toSlice(v any) []any {
	switch s := v.(type) {
	case []any:
		return s
	case []map[string]any:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out
	case []string:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out
	}
	if l, err := cast.ToSliceE(v); err == nil {
		return l
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}
