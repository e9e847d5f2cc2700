// Package filter implements MikroDB's query/filter engine (spec §4.6): a
// composable predicate evaluator over decoded record values, consumed by
// the table manager's get(table, options) path.
package filter

import (
	"regexp"
	"sort"
	"strings"

	"github.com/mikrodb/mikrodb/internal/value"
)

// Expr is a filter expression tree: a mapping of dot-path field names to a
// leaf value (equality), a nested expression, or a Condition. The special
// key "$or" carries a []interface{} of Expr, combined disjunctively; every
// other key in a mapping combines conjunctively.
type Expr = map[string]interface{}

// Candidate is one row the filter engine scans: a key paired with its
// decoded value.
type Candidate struct {
	Key   string
	Value value.Value
}

// Predicate is the closure form of a filter, the alternative to an Expr
// tree (spec §4.6).
type Predicate func(value.Value) bool

// Options controls a single get(table, options) query.
type Options struct {
	Predicate Predicate
	Expr      Expr
	Less      func(a, b Candidate) bool
	Offset    int
	Limit     int // <= 0 means unlimited
}

// Select filters, sorts, and slices candidates according to opts, in the
// order spec §4.6 describes: scan (with an early limit cutoff when neither a
// sort nor an offset is requested), sort, then offset/limit.
func Select(candidates []Candidate, opts Options) []Candidate {
	scanCap := opts.Limit > 0 && opts.Less == nil && opts.Offset == 0

	matched := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if !matches(c.Value, opts) {
			continue
		}
		matched = append(matched, c)
		if scanCap && len(matched) >= opts.Limit {
			break
		}
	}

	if opts.Less != nil {
		sort.SliceStable(matched, func(i, j int) bool { return opts.Less(matched[i], matched[j]) })
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			return nil
		}
		matched = matched[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(matched) {
		matched = matched[:opts.Limit]
	}
	return matched
}

func matches(v value.Value, opts Options) bool {
	if opts.Predicate != nil {
		return opts.Predicate(v)
	}
	if opts.Expr != nil {
		return Match(v, opts.Expr)
	}
	return true
}

// Match evaluates an Expr tree against v, an object-shaped decoded value.
func Match(v value.Value, expr Expr) bool {
	for key, constraint := range expr {
		if key == "$or" {
			branches, ok := constraint.([]interface{})
			if !ok {
				return false
			}
			if !matchAny(v, branches) {
				return false
			}
			continue
		}

		fieldVal, ok := getByPath(v, key)
		if !ok || fieldVal.IsNull() {
			return false
		}
		if !matchConstraint(fieldVal, constraint) {
			return false
		}
	}
	return true
}

func matchAny(v value.Value, branches []interface{}) bool {
	for _, b := range branches {
		sub, ok := b.(map[string]interface{})
		if !ok {
			continue
		}
		if Match(v, sub) {
			return true
		}
	}
	return false
}

func matchConstraint(fieldVal value.Value, constraint interface{}) bool {
	switch c := constraint.(type) {
	case map[string]interface{}:
		if op, val, ok := asCondition(c); ok {
			return evalOperator(fieldVal, op, val)
		}
		// A bare nested mapping: recurse into the field's own sub-structure.
		return Match(fieldVal, c)
	default:
		return value.Equal(fieldVal, value.FromNative(constraint))
	}
}

func asCondition(m map[string]interface{}) (op string, val interface{}, ok bool) {
	opRaw, hasOp := m["operator"]
	if !hasOp {
		return "", nil, false
	}
	op, ok = opRaw.(string)
	if !ok {
		return "", nil, false
	}
	val = m["value"]
	return op, val, true
}

func getByPath(v value.Value, path string) (value.Value, bool) {
	cur := v
	for _, part := range strings.Split(path, ".") {
		next, ok := cur.Get(part)
		if !ok {
			return value.Null, false
		}
		cur = next
	}
	return cur, true
}

func evalOperator(field value.Value, op string, raw interface{}) bool {
	target := value.FromNative(raw)

	switch op {
	case "eq":
		return value.Equal(field, target)
	case "neq":
		return !value.Equal(field, target)
	case "gt":
		cmp, ok := value.Compare(field, target)
		return ok && cmp > 0
	case "gte":
		cmp, ok := value.Compare(field, target)
		return ok && cmp >= 0
	case "lt":
		cmp, ok := value.Compare(field, target)
		return ok && cmp < 0
	case "lte":
		cmp, ok := value.Compare(field, target)
		return ok && cmp <= 0
	case "in":
		return membership(field, target)
	case "nin":
		return !membership(field, target)
	case "like":
		return likeMatch(field, target)
	case "between":
		return betweenMatch(field, target)
	case "regex":
		return regexMatch(field, target)
	case "contains":
		return arrayContains(field, target)
	case "containsAll":
		return arrayContainsAll(field, target)
	case "containsAny":
		return arrayContainsAny(field, target)
	case "size":
		return sizeMatch(field, target)
	default:
		return false
	}
}

func membership(field, list value.Value) bool {
	if list.Kind != value.KindArray {
		return false
	}
	for _, e := range list.Arr {
		if value.Equal(field, e) {
			return true
		}
	}
	return false
}

func likeMatch(field, pattern value.Value) bool {
	if field.Kind != value.KindString || pattern.Kind != value.KindString {
		return false
	}
	return strings.Contains(strings.ToLower(field.Str), strings.ToLower(pattern.Str))
}

func betweenMatch(field, bounds value.Value) bool {
	if bounds.Kind != value.KindArray || len(bounds.Arr) != 2 {
		return false
	}
	loCmp, ok1 := value.Compare(field, bounds.Arr[0])
	hiCmp, ok2 := value.Compare(field, bounds.Arr[1])
	return ok1 && ok2 && loCmp >= 0 && hiCmp <= 0
}

func regexMatch(field, pattern value.Value) bool {
	if field.Kind != value.KindString || pattern.Kind != value.KindString {
		return false
	}
	re, err := regexp.Compile(pattern.Str)
	if err != nil {
		return false
	}
	return re.MatchString(field.Str)
}

func arrayContains(field, elem value.Value) bool {
	if field.Kind != value.KindArray {
		return false
	}
	for _, e := range field.Arr {
		if value.Equal(e, elem) {
			return true
		}
	}
	return false
}

func arrayContainsAll(field, list value.Value) bool {
	if field.Kind != value.KindArray {
		return false
	}
	if list.Kind != value.KindArray {
		return false
	}
	for _, want := range list.Arr {
		if !arrayContains(field, want) {
			return false
		}
	}
	return true
}

func arrayContainsAny(field, list value.Value) bool {
	if field.Kind != value.KindArray || list.Kind != value.KindArray {
		return false
	}
	for _, want := range list.Arr {
		if arrayContains(field, want) {
			return true
		}
	}
	return false
}

func sizeMatch(field, target value.Value) bool {
	if field.Kind != value.KindArray {
		return false
	}
	n, ok := value.Compare(value.I32(int32(len(field.Arr))), target)
	return ok && n == 0
}
