package logger

import (
	"sort"
	"sync"
	"sync/atomic"
)

type levelCounts struct {
	warns  atomic.Int64
	errors atomic.Int64
}

var components sync.Map // map[string]*levelCounts

func countsFor(component string) *levelCounts {
	v, _ := components.LoadOrStore(component, &levelCounts{})
	return v.(*levelCounts)
}

func recordWarn(component string) {
	countsFor(component).warns.Add(1)
}

func recordError(component string) {
	countsFor(component).errors.Add(1)
}

// ComponentCounts is the number of warnings and errors logged by one component.
type ComponentCounts struct {
	Component string
	Warns     int64
	Errors    int64
}

// Counts returns the warn and error totals per component, sorted by name.
func Counts() []ComponentCounts {
	out := make([]ComponentCounts, 0)
	components.Range(func(k, v any) bool {
		c := v.(*levelCounts)
		out = append(out, ComponentCounts{
			Component: k.(string),
			Warns:     c.warns.Load(),
			Errors:    c.errors.Load(),
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}
