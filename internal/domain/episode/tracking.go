package episode

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Changes maps a tracked field name to the value it held before the first
// tracked assignment that changed it. A nil value stands for null.
type Changes map[string]any

// Fields returns the changed field names in sorted order.
func (c Changes) Fields() []string {
	fields := make([]string, 0, len(c))
	for f := range c {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// tracker records field-level changes while tracking is enabled. Assignments
// always happen; only the bookkeeping depends on the flag.
type tracker struct {
	tracking bool
	changes  Changes
}

func (t *tracker) record(field string, old any) {
	if !t.tracking {
		return
	}
	if t.changes == nil {
		t.changes = Changes{}
	}
	if _, seen := t.changes[field]; seen {
		return
	}
	t.changes[field] = old
}

func (t *tracker) setString(field string, dst *string, v string) {
	if *dst != v {
		t.record(field, nullable(*dst))
	}
	*dst = v
}

func (t *tracker) setTime(field string, dst **time.Time, v *time.Time) {
	if !sameTime(*dst, v) {
		var old any
		if *dst != nil {
			old = FormatDateTime(*dst)
		}
		t.record(field, old)
	}
	*dst = v
}

func (t *tracker) setBool(field string, dst *bool, v bool) {
	if *dst != v {
		t.record(field, *dst)
	}
	*dst = v
}

func (t *tracker) setStaff(field string, dst *StaffRef, v StaffRef) {
	if *dst != v {
		var old any
		if !dst.IsZero() {
			old = *dst
		}
		t.record(field, old)
	}
	*dst = v
}

// Changes returns a copy of the scalar change-set.
func (t *tracker) Changes() Changes {
	out := make(Changes, len(t.changes))
	for k, v := range t.changes {
		out[k] = v
	}
	return out
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "(empty)"
	case string:
		if x == "" {
			return "(empty)"
		}
		return x
	case bool:
		if x {
			return "yes"
		}
		return "no"
	case StaffRef:
		return x.String()
	case *time.Time:
		if x == nil {
			return "(empty)"
		}
		return FormatDateTime(x)
	default:
		return fmt.Sprint(x)
	}
}

// describeChanges renders "field: old -> new" pairs for the changed fields,
// looking the new value up in current.
func describeChanges(changes Changes, current map[string]any) []string {
	parts := make([]string, 0, len(changes))
	for _, f := range changes.Fields() {
		parts = append(parts, fmt.Sprintf("%s: %s -> %s", f, formatValue(changes[f]), formatValue(current[f])))
	}
	return parts
}

func joinMessage(parts []string) string {
	return strings.Join(parts, "; ")
}
