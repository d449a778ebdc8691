package mapping

import "reflect"

// Equal compares attribute values. Multivalued values are multisets, where nil and empty are the same.
// Single values are equal only with the same underlying type.
func Equal(a, b interface{}, multivalued bool) bool {
	if !multivalued {
		return reflect.DeepEqual(a, b)
	}
	left, right := Values(a), Values(b)
	if len(left) != len(right) {
		return false
	}
	used := make([]bool, len(right))
	for _, l := range left {
		found := false
		for i, r := range right {
			if !used[i] && reflect.DeepEqual(l, r) {
				used[i] = true
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Values normalizes multivalued attribute value into a slice, scalar becomes a one item slice
func Values(v interface{}) []interface{} {
	switch typed := v.(type) {
	case nil:
		return nil
	case []interface{}:
		return typed
	case []string:
		res := make([]interface{}, 0, len(typed))
		for _, s := range typed {
			res = append(res, s)
		}
		return res
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		res := make([]interface{}, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			res = append(res, rv.Index(i).Interface())
		}
		return res
	}
	return []interface{}{v}
}
