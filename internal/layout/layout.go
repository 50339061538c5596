// Package layout manages dashboard widget layouts: the active per-breakpoint
// placement lists persisted in the local state store, the built-in defaults,
// and the named server-side saved layouts.
package layout

// Breakpoint is one of the three screen-width tiers the dashboard lays out
// for. Each tier has its own independent placement list.
type Breakpoint string

const (
	BreakpointLg Breakpoint = "lg"
	BreakpointMd Breakpoint = "md"
	BreakpointSm Breakpoint = "sm"
)

// Breakpoints lists all valid breakpoints, widest first.
var Breakpoints = []Breakpoint{BreakpointLg, BreakpointMd, BreakpointSm}

// Width thresholds in CSS pixels, matching the UI's grid tiers.
const (
	widthLg = 1024
	widthMd = 768
)

// BreakpointForWidth maps a viewport width to its breakpoint.
func BreakpointForWidth(px int) Breakpoint {
	switch {
	case px >= widthLg:
		return BreakpointLg
	case px >= widthMd:
		return BreakpointMd
	default:
		return BreakpointSm
	}
}

// Valid reports whether b is a known breakpoint.
func (b Breakpoint) Valid() bool {
	switch b {
	case BreakpointLg, BreakpointMd, BreakpointSm:
		return true
	}
	return false
}

// Placement positions one widget on the dashboard grid.
type Placement struct {
	ID string `json:"id"`
	X  int    `json:"x"`
	Y  int    `json:"y"`
	W  int    `json:"w"`
	H  int    `json:"h"`
}

// valid rejects placements the grid renderer would drop anyway: no id,
// non-positive size, or negative coordinates.
func (p Placement) valid() bool {
	return p.ID != "" && p.W > 0 && p.H > 0 && p.X >= 0 && p.Y >= 0
}

// Stock widget ids.
const (
	WidgetSummary   = "summary"
	WidgetPositions = "positions"
	WidgetChart     = "chart"
	WidgetWatchlist = "watchlist"
	WidgetNews      = "news"
	WidgetMovers    = "movers"
)

// defaultPlacements holds the built-in layout per breakpoint. Load returns
// copies, never the backing slices.
var defaultPlacements = map[Breakpoint][]Placement{
	BreakpointLg: {
		{ID: WidgetSummary, X: 0, Y: 0, W: 12, H: 2},
		{ID: WidgetChart, X: 0, Y: 2, W: 8, H: 5},
		{ID: WidgetWatchlist, X: 8, Y: 2, W: 4, H: 5},
		{ID: WidgetPositions, X: 0, Y: 7, W: 8, H: 5},
		{ID: WidgetMovers, X: 8, Y: 7, W: 4, H: 3},
		{ID: WidgetNews, X: 8, Y: 10, W: 4, H: 2},
	},
	BreakpointMd: {
		{ID: WidgetSummary, X: 0, Y: 0, W: 8, H: 2},
		{ID: WidgetChart, X: 0, Y: 2, W: 8, H: 4},
		{ID: WidgetPositions, X: 0, Y: 6, W: 8, H: 5},
		{ID: WidgetWatchlist, X: 0, Y: 11, W: 4, H: 4},
		{ID: WidgetMovers, X: 4, Y: 11, W: 4, H: 4},
	},
	BreakpointSm: {
		{ID: WidgetSummary, X: 0, Y: 0, W: 4, H: 2},
		{ID: WidgetPositions, X: 0, Y: 2, W: 4, H: 5},
		{ID: WidgetChart, X: 0, Y: 7, W: 4, H: 4},
		{ID: WidgetWatchlist, X: 0, Y: 11, W: 4, H: 4},
	},
}

// DefaultPlacements returns a copy of the built-in layout for a breakpoint.
// Unknown breakpoints get the sm layout.
func DefaultPlacements(bp Breakpoint) []Placement {
	src, ok := defaultPlacements[bp]
	if !ok {
		src = defaultPlacements[BreakpointSm]
	}
	out := make([]Placement, len(src))
	copy(out, src)
	return out
}

// VisibleWidgets derives the ordered widget id set from a placement list.
// A widget is visible iff it has a placement entry.
func VisibleWidgets(placements []Placement) []string {
	ids := make([]string, 0, len(placements))
	seen := make(map[string]bool, len(placements))
	for _, p := range placements {
		if p.ID == "" || seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		ids = append(ids, p.ID)
	}
	return ids
}
