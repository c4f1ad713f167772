package storage

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Predicate matches documents whose field equals one of Values.
type Predicate struct {
	Field  string
	Values []string
}

func Eq(field, value string) Predicate { return Predicate{Field: field, Values: []string{value}} }

func In(field string, values ...string) Predicate { return Predicate{Field: field, Values: values} }

// Query selects documents by field predicates. Field names are the JSON
// names of the document.
type Query struct {
	Where   []Predicate
	OrderBy string
	Desc    bool
	Limit   int
}

func Where(preds ...Predicate) Query { return Query{Where: preds} }

func (q Query) Order(field string, desc bool) Query {
	q.OrderBy = field
	q.Desc = desc
	return q
}

var fieldName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

func (q Query) validate() error {
	for _, p := range q.Where {
		if !fieldName.MatchString(p.Field) {
			return fmt.Errorf("invalid field %q", p.Field)
		}
	}
	if q.OrderBy != "" && !fieldName.MatchString(q.OrderBy) {
		return fmt.Errorf("invalid order field %q", q.OrderBy)
	}
	return nil
}

func (q Query) matches(doc map[string]any) bool {
	for _, p := range q.Where {
		v, ok := doc[p.Field]
		if !ok || v == nil {
			v = ""
		}
		s := scalarString(v)
		found := false
		for _, want := range p.Values {
			if s == want {
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

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	b, _ := json.Marshal(v)
	return string(b)
}

type decoded struct {
	id   string
	data []byte
	m    map[string]any
}

func decodeMap(data []byte) map[string]any {
	m := map[string]any{}
	_ = json.Unmarshal(data, &m)
	return m
}

// sortDecoded orders by q.OrderBy, falling back to id so results are stable.
func sortDecoded(items []decoded, q Query) {
	sort.SliceStable(items, func(i, j int) bool {
		if q.OrderBy != "" {
			c := compareValues(items[i].m[q.OrderBy], items[j].m[q.OrderBy])
			if c != 0 {
				if q.Desc {
					return c > 0
				}
				return c < 0
			}
		}
		return items[i].id < items[j].id
	})
}

func compareValues(a, b any) int {
	switch av := a.(type) {
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case string:
		if bv, ok := b.(string); ok {
			ta, errA := time.Parse(time.RFC3339Nano, av)
			tb, errB := time.Parse(time.RFC3339Nano, bv)
			if errA == nil && errB == nil {
				return ta.Compare(tb)
			}
			return strings.Compare(av, bv)
		}
	}
	// nulls and mismatched types sort first
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return strings.Compare(scalarString(a), scalarString(b))
}
