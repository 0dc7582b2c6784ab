package registry

import (
	"encoding/json"
	"sort"

	"github.com/smart-guard/exportgate/export"
	"github.com/smart-guard/exportgate/target"
)

// mappingIndex holds one target's point mappings in the shapes lookups
// need. Live alarms carry point names, scheduled pulls carry point IDs,
// and site-level rows map a site to the external building identifier a
// downstream system expects.
type mappingIndex struct {
	byName map[string]export.PointMapping
	byID   map[int]export.PointMapping
	sites  map[string]string
}

func newMappingIndex() *mappingIndex {
	return &mappingIndex{
		byName: make(map[string]export.PointMapping),
		byID:   make(map[int]export.PointMapping),
		sites:  make(map[string]string),
	}
}

// Snapshot is one immutable registry state. Callers resolve everything for
// a dispatch against the same snapshot, so a reload mid-event cannot
// produce a half-old, half-new view. All methods are read-only and safe
// for concurrent use.
type Snapshot struct {
	loadedMs  int64
	targets   []export.DynamicTarget
	byName    map[string]int
	byID      map[int]int
	mappings  map[int]*mappingIndex
	templates map[string]export.PayloadTemplate
	points    map[string]struct{}

	handlers   map[string]target.Handler
	protectors map[string]*target.Protector
	handlerCfg map[string]string
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		byName:     make(map[string]int),
		byID:       make(map[int]int),
		mappings:   make(map[int]*mappingIndex),
		templates:  make(map[string]export.PayloadTemplate),
		points:     make(map[string]struct{}),
		handlers:   make(map[string]target.Handler),
		protectors: make(map[string]*target.Protector),
		handlerCfg: make(map[string]string),
	}
}

// clone returns a shallow copy sharing all maps. The writer replaces the
// fields it intends to change with fresh copies before publishing.
func (s *Snapshot) clone() *Snapshot {
	c := *s
	return &c
}

// LoadedMs reports when this snapshot was built, in Unix milliseconds.
// Zero means no load has succeeded yet.
func (s *Snapshot) LoadedMs() int64 { return s.loadedMs }

// Targets returns the dispatch-ordered target list. The slice is shared
// with the snapshot; callers must not modify it.
func (s *Snapshot) Targets() []export.DynamicTarget { return s.targets }

// TargetCount returns the number of loaded targets.
func (s *Snapshot) TargetCount() int { return len(s.targets) }

// Target looks up a target by name.
func (s *Snapshot) Target(name string) (export.DynamicTarget, bool) {
	i, ok := s.byName[name]
	if !ok {
		return export.DynamicTarget{}, false
	}
	return s.targets[i], true
}

// TargetByID looks up a target by its stored ID.
func (s *Snapshot) TargetByID(id int) (export.DynamicTarget, bool) {
	i, ok := s.byID[id]
	if !ok {
		return export.DynamicTarget{}, false
	}
	return s.targets[i], true
}

// Handler returns the initialized transport handler for a target. A target
// without one (construction or Initialize failed) dispatches nothing.
func (s *Snapshot) Handler(name string) (target.Handler, bool) {
	h, ok := s.handlers[name]
	return h, ok
}

// Protector returns the target's failure protector.
func (s *Snapshot) Protector(name string) (*target.Protector, bool) {
	p, ok := s.protectors[name]
	return p, ok
}

// Mapping returns the point mapping a live message resolves to, keyed by
// the point name it carries.
func (s *Snapshot) Mapping(targetID int, pointName string) (export.PointMapping, bool) {
	idx, ok := s.mappings[targetID]
	if !ok {
		return export.PointMapping{}, false
	}
	m, ok := idx.byName[pointName]
	return m, ok
}

// MappingByPointID returns the point mapping a scheduled pull resolves to.
func (s *Snapshot) MappingByPointID(targetID, pointID int) (export.PointMapping, bool) {
	idx, ok := s.mappings[targetID]
	if !ok {
		return export.PointMapping{}, false
	}
	m, ok := idx.byID[pointID]
	return m, ok
}

// MappedPointIDs returns the sorted point IDs mapped to a target. Scheduled
// pulls use these to bound the history query. Site-level rows carry no point
// ID and are excluded.
func (s *Snapshot) MappedPointIDs(targetID int) []int {
	idx, ok := s.mappings[targetID]
	if !ok || len(idx.byID) == 0 {
		return nil
	}
	ids := make([]int, 0, len(idx.byID))
	for id := range idx.byID {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// TargetFieldName returns the downstream field name a point maps to, or ""
// when unmapped. Callers fall back to the point's own name.
func (s *Snapshot) TargetFieldName(targetID int, pointName string) string {
	m, ok := s.Mapping(targetID, pointName)
	if !ok {
		return ""
	}
	return m.FieldName
}

// IsPointMapped reports whether a point has a mapping row for the target.
func (s *Snapshot) IsPointMapped(targetID int, pointName string) bool {
	_, ok := s.Mapping(targetID, pointName)
	return ok
}

// OverrideSiteID returns the mapping's site override, or "" when the point
// is unmapped or carries no override.
func (s *Snapshot) OverrideSiteID(targetID int, pointName string) string {
	m, ok := s.Mapping(targetID, pointName)
	if !ok {
		return ""
	}
	return m.SiteID
}

// ExternalBuildingID returns the external building identifier a site-level
// mapping row assigns to the site, or "" when none exists.
func (s *Snapshot) ExternalBuildingID(targetID int, siteID string) string {
	idx, ok := s.mappings[targetID]
	if !ok {
		return ""
	}
	return idx.sites[siteID]
}

// Scale returns the mapping's scale factor, or the 1.0 default when the
// point is unmapped.
func (s *Snapshot) Scale(targetID int, pointName string) float64 {
	m, ok := s.Mapping(targetID, pointName)
	if !ok {
		return export.DefaultScale
	}
	return m.Scale
}

// Offset returns the mapping's offset, or 0 when the point is unmapped.
func (s *Snapshot) Offset(targetID int, pointName string) float64 {
	m, ok := s.Mapping(targetID, pointName)
	if !ok {
		return export.DefaultOffset
	}
	return m.Offset
}

// Convert applies the mapped linear conversion to a value; identity when
// the point is unmapped.
func (s *Snapshot) Convert(targetID int, pointName string, value float64) float64 {
	m, ok := s.Mapping(targetID, pointName)
	if !ok {
		return value
	}
	return m.Convert(value)
}

// AssignedPoints returns the sorted point names covered by any loaded
// mapping. The subscriber's selective mode admits only these points.
func (s *Snapshot) AssignedPoints() []string {
	names := make([]string, 0, len(s.points))
	for name := range s.points {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsAssignedPoint reports whether any loaded target maps the point.
func (s *Snapshot) IsAssignedPoint(pointName string) bool {
	_, ok := s.points[pointName]
	return ok
}

// Template returns a stored template body by name.
func (s *Snapshot) Template(name string) (json.RawMessage, bool) {
	tpl, ok := s.templates[name]
	if !ok {
		return nil, false
	}
	return tpl.Template, true
}
