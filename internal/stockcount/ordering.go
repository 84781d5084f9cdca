package stockcount

import (
	"sort"
	"strings"
)

// DefaultLibraries is the section sequence used when none is configured.
var DefaultLibraries = []string{
	"ingredients",
	"packaging",
	"chemicals",
	"ppe",
	"drinks",
	"disposables",
	"glassware",
	"first_aid",
}

// Ordering is the one canonical item order. The renderer and the Navigator
// must both go through it.
type Ordering struct {
	rank map[string]int
	size int
}

// NewOrdering ranks sections by their position in libraries.
func NewOrdering(libraries []string) Ordering {
	o := Ordering{rank: make(map[string]int, len(libraries))}
	for _, lib := range libraries {
		key := NormalizeLibrary(lib)
		if key == "" {
			continue
		}
		if _, dup := o.rank[key]; dup {
			continue
		}
		o.rank[key] = o.size
		o.size++
	}
	return o
}

// Rank of a library tag. Unrecognized and empty tags share the last rank.
func (o Ordering) Rank(library string) int {
	if r, ok := o.rank[NormalizeLibrary(library)]; ok {
		return r
	}
	return o.size
}

// Less orders by section rank, then section tag within the unranked tail, then
// case-insensitive name, then id.
func (o Ordering) Less(a, b CountItem) bool {
	ra, rb := o.Rank(a.Library), o.Rank(b.Library)
	if ra != rb {
		return ra < rb
	}
	if sa, sb := a.Section(), b.Section(); sa != sb {
		if sa == "" || sb == "" {
			return sb == ""
		}
		return sa < sb
	}
	na, nb := strings.ToLower(a.Name), strings.ToLower(b.Name)
	if na != nb {
		return na < nb
	}
	return a.ID < b.ID
}

// Sort returns a sorted copy of items.
func (o Ordering) Sort(items []CountItem) []CountItem {
	out := make([]CountItem, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool { return o.Less(out[i], out[j]) })
	return out
}

// Sections lists the distinct non-empty sections of items in canonical order.
func (o Ordering) Sections(items []CountItem) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, item := range o.Sort(items) {
		key := item.Section()
		if _, ok := seen[key]; ok || key == "" {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}

// Direction of keyboard travel.
type Direction int

const (
	Forward Direction = iota
	Backward
)

// Navigator is a filtered view over the canonical order. Indexes refer to
// positions in View.
type Navigator struct {
	section string
	view    []CountItem
}

// NewNavigator sorts items and keeps only section when section is not empty.
func NewNavigator(items []CountItem, ordering Ordering, section string) *Navigator {
	n := &Navigator{section: NormalizeLibrary(section)}
	for _, item := range ordering.Sort(items) {
		if n.section != "" && item.Section() != n.section {
			continue
		}
		n.view = append(n.view, item)
	}
	return n
}

// Section is the active filter, empty for all sections.
func (n *Navigator) Section() string { return n.section }

// View is the render order.
func (n *Navigator) View() []CountItem {
	out := make([]CountItem, len(n.view))
	copy(out, n.view)
	return out
}

// Len is the number of items in the view.
func (n *Navigator) Len() int { return len(n.view) }

// ItemAt returns the item at index i of the view.
func (n *Navigator) ItemAt(i int) (CountItem, bool) {
	if i < 0 || i >= len(n.view) {
		return CountItem{}, false
	}
	return n.view[i], true
}

// IndexOf finds itemID in the view.
func (n *Navigator) IndexOf(itemID string) (int, bool) {
	for i, item := range n.view {
		if item.ID == itemID {
			return i, true
		}
	}
	return -1, false
}

// NextIndex returns the neighbour of current in dir. ok is false at either edge
// and for an index outside the view; focus should then stay where it is.
func (n *Navigator) NextIndex(current int, dir Direction) (int, bool) {
	if current < 0 || current >= len(n.view) {
		return -1, false
	}
	next := current + 1
	if dir == Backward {
		next = current - 1
	}
	if next < 0 || next >= len(n.view) {
		return -1, false
	}
	return next, true
}

// Navigator builds a view over the current session items.
func (s *Session) Navigator(ordering Ordering, section string) *Navigator {
	return NewNavigator(s.Items(), ordering, section)
}

// FirstEmptyItem is the first item in canonical order within scope that is
// neither counted nor holding a pending edit. An empty scope means every section.
func (s *Session) FirstEmptyItem(ordering Ordering, scope string) (CountItem, bool) {
	nav := s.Navigator(ordering, scope)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range nav.view {
		if item.Status == StatusCounted {
			continue
		}
		if _, ok := s.pending[item.ID]; ok {
			continue
		}
		return item, true
	}
	return CountItem{}, false
}
