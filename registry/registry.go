package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/smart-guard/exportgate/errors"
	"github.com/smart-guard/exportgate/export"
	"github.com/smart-guard/exportgate/pkg/timestamp"
	"github.com/smart-guard/exportgate/store"
	"github.com/smart-guard/exportgate/target"
)

// Dispatch queue defaults injected into every target config that does not
// set them. Handlers that queue or batch internally read these keys;
// everything else ignores them.
const (
	DefaultMaxQueueSize  = 1000
	DefaultBatchSize     = 10
	DefaultFlushInterval = 5000
	DefaultRetryCount    = 3
)

// Options tunes a TargetRegistry at construction.
type Options struct {
	// AllowList restricts loading to the named targets, the per-gateway
	// assignment mechanism. Empty admits every enabled target.
	AllowList []string

	// PriorityOverrides replaces a target's execution order by target ID,
	// letting one gateway reorder dispatch without touching stored records.
	// Unlisted targets keep their stored order.
	PriorityOverrides map[int]int

	// Factories supplies transport constructors. Nil uses the built-ins.
	Factories *target.Factories

	// HandlerDeps is handed to every constructed handler. A nil logger
	// inherits the registry's.
	HandlerDeps target.Deps

	Logger *slog.Logger
}

// TargetRegistry owns the current target/mapping/template snapshot and the
// handler instances built from it. One writer at a time; reads are
// lock-free through the snapshot pointer.
type TargetRegistry struct {
	store       store.Store
	logger      *slog.Logger
	factories   *target.Factories
	handlerDeps target.Deps
	allow       map[string]struct{}
	overrides   map[int]int

	mu    sync.Mutex // serializes Load, InitializeHandlers, ReloadTemplates, Close
	snap  atomic.Pointer[Snapshot]
	loads atomic.Int64
}

// New builds a registry over the given store. Call Load and
// InitializeHandlers before dispatching.
func New(st store.Store, opts Options) *TargetRegistry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	factories := opts.Factories
	if factories == nil {
		factories = target.Defaults()
	}
	if opts.HandlerDeps.Logger == nil {
		opts.HandlerDeps.Logger = logger
	}

	r := &TargetRegistry{
		store:       st,
		logger:      logger,
		factories:   factories,
		handlerDeps: opts.HandlerDeps,
		overrides:   opts.PriorityOverrides,
	}
	if len(opts.AllowList) > 0 {
		r.allow = make(map[string]struct{}, len(opts.AllowList))
		for _, name := range opts.AllowList {
			r.allow[name] = struct{}{}
		}
	}
	r.snap.Store(emptySnapshot())
	return r
}

// Snapshot returns the current immutable registry state.
func (r *TargetRegistry) Snapshot() *Snapshot { return r.snap.Load() }

// Loaded reports whether at least one Load has succeeded.
func (r *TargetRegistry) Loaded() bool { return r.loads.Load() > 0 }

// Load replaces the registry state from the store. A store failure keeps
// the previous snapshot; a malformed target record skips only that record.
func (r *TargetRegistry) Load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	targets, err := r.store.Targets(ctx)
	if err != nil {
		return errors.Wrap(err, "TargetRegistry", "Load", "load targets")
	}
	mappings, err := r.store.Mappings(ctx)
	if err != nil {
		return errors.Wrap(err, "TargetRegistry", "Load", "load mappings")
	}
	templates, err := r.store.Templates(ctx)
	if err != nil {
		return errors.Wrap(err, "TargetRegistry", "Load", "load templates")
	}

	old := r.snap.Load()
	next, skipped := r.build(old, targets, mappings, templates)
	r.snap.Store(next)
	r.loads.Add(1)

	r.logger.Info("target registry loaded",
		"targets", len(next.targets),
		"skipped", skipped,
		"mappings", len(mappings),
		"templates", len(templates),
		"assigned_points", len(next.points))
	return nil
}

// build assembles a complete snapshot from store rows. Handlers and
// protectors are carried over wholesale; InitializeHandlers reconciles
// them against the new target set.
func (r *TargetRegistry) build(old *Snapshot, rows []export.DynamicTarget,
	mappings []export.PointMapping, templates []export.PayloadTemplate) (*Snapshot, int) {

	next := emptySnapshot()
	next.loadedMs = timestamp.Now()
	next.handlers = old.handlers
	next.protectors = old.protectors
	next.handlerCfg = old.handlerCfg

	for _, tpl := range templates {
		next.templates[tpl.Name] = tpl
	}

	indexes := make(map[int]*mappingIndex)
	for _, m := range mappings {
		idx, ok := indexes[m.TargetID]
		if !ok {
			idx = newMappingIndex()
			indexes[m.TargetID] = idx
		}
		if m.PointID == 0 {
			if m.SiteID != "" && m.FieldName != "" {
				idx.sites[m.SiteID] = m.FieldName
			}
			continue
		}
		idx.byID[m.PointID] = m
		if m.PointName != "" {
			idx.byName[m.PointName] = m
		}
	}

	skipped := 0
	for _, row := range rows {
		if r.allow != nil {
			if _, ok := r.allow[row.Name]; !ok {
				continue
			}
		}

		t, err := r.prepare(row, next.templates)
		if err != nil {
			skipped++
			r.logger.Warn("skipping malformed target",
				"target", row.Name, "type", row.Type, "error", err)
			continue
		}

		if order, ok := r.overrides[t.ID]; ok {
			t.ExecutionOrder = order
		}
		if prev, ok := old.Target(t.Name); ok && prev.Stats != nil {
			t.Stats = prev.Stats
		} else {
			t.Stats = &export.TargetStats{}
		}
		next.targets = append(next.targets, t)
	}

	// Stable sort keeps load order for equal keys, so repeated loads of
	// unchanged data yield an identical dispatch order.
	sort.SliceStable(next.targets, func(i, j int) bool {
		if next.targets[i].ExecutionOrder != next.targets[j].ExecutionOrder {
			return next.targets[i].ExecutionOrder < next.targets[j].ExecutionOrder
		}
		return next.targets[i].Priority < next.targets[j].Priority
	})

	for i, t := range next.targets {
		next.byName[t.Name] = i
		next.byID[t.ID] = i
		if idx, ok := indexes[t.ID]; ok {
			next.mappings[t.ID] = idx
			for name := range idx.byName {
				next.points[name] = struct{}{}
			}
		}
	}
	return next, skipped
}

// prepare normalizes and validates one stored target record.
func (r *TargetRegistry) prepare(t export.DynamicTarget,
	templates map[string]export.PayloadTemplate) (export.DynamicTarget, error) {

	t.Type = export.NormalizeTargetType(t.Type)
	if !r.factories.Has(t.Type) {
		return t, errors.WrapInvalid(errors.ErrUnknownTargetType,
			"TargetRegistry", "prepare", "no handler for type "+t.Type)
	}

	mode, err := export.ParseExportMode(string(t.Mode))
	if err != nil {
		return t, errors.WrapInvalid(err, "TargetRegistry", "prepare", "export mode")
	}
	t.Mode = mode

	cfg, err := unwrapConfig(t.Config)
	if err != nil {
		return t, err
	}
	if target.HasSchema(t.Type) {
		if err := target.ValidateConfig(t.Type, cfg); err != nil {
			return t, err
		}
	}
	cfg, err = injectDefaults(cfg)
	if err != nil {
		return t, err
	}
	t.Config = cfg

	if t.TemplateName != "" {
		if tpl, ok := templates[t.TemplateName]; ok {
			t.Template = tpl.Template
		} else {
			// Render falls back to the built-in shape for the target's
			// system type.
			r.logger.Warn("template not found, using built-in",
				"target", t.Name, "template", t.TemplateName)
		}
	}
	return t, nil
}

// unwrapConfig peels the legacy single-element array wrapper some admin
// versions stored around target configs.
func unwrapConfig(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return json.RawMessage(`{}`), nil
	}
	if trimmed[0] != '[' {
		return trimmed, nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(trimmed, &elems); err != nil {
		return nil, errors.WrapInvalid(err, "TargetRegistry", "unwrapConfig", "config array")
	}
	if len(elems) == 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig,
			"TargetRegistry", "unwrapConfig", "empty config array")
	}
	return elems[0], nil
}

// injectDefaults fills the dispatch queue keys absent from a stored
// config. Marshaling through a map also canonicalizes the document, which
// keeps the handler change detection byte-stable across loads.
func injectDefaults(raw json.RawMessage) (json.RawMessage, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.WrapInvalid(err, "TargetRegistry", "injectDefaults", "config object")
	}
	if doc == nil {
		doc = make(map[string]any)
	}

	defaults := map[string]any{
		"max_queue_size": DefaultMaxQueueSize,
		"batch_size":     DefaultBatchSize,
		"flush_interval": DefaultFlushInterval,
		"retry_count":    DefaultRetryCount,
	}
	for key, value := range defaults {
		if _, ok := doc[key]; !ok {
			doc[key] = value
		}
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.WrapInvalid(err, "TargetRegistry", "injectDefaults", "marshal config")
	}
	return out, nil
}

// InitializeHandlers reconciles transport handlers against the current
// snapshot: new targets get a handler, targets whose type or config
// changed get a fresh one, unchanged targets keep theirs (and their open
// connections), and handlers for removed targets are closed. A
// construction or Initialize failure logs and leaves that target without
// a handler, so dispatch skips it. Returns the number of ready handlers.
func (r *TargetRegistry) InitializeHandlers() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	next := cur.clone()
	next.handlers = make(map[string]target.Handler, len(cur.targets))
	next.protectors = make(map[string]*target.Protector, len(cur.targets))
	next.handlerCfg = make(map[string]string, len(cur.targets))

	ready := 0
	for _, t := range cur.targets {
		if p, ok := cur.protectors[t.Name]; ok {
			next.protectors[t.Name] = p
		} else {
			next.protectors[t.Name] = target.NewProtector(target.ProtectorConfig{})
		}

		cfgKey := t.Type + "\x00" + string(t.Config)
		if h, ok := cur.handlers[t.Name]; ok && cur.handlerCfg[t.Name] == cfgKey {
			next.handlers[t.Name] = h
			next.handlerCfg[t.Name] = cfgKey
			ready++
			continue
		}

		h, err := r.factories.New(t.Type, r.handlerDeps)
		if err != nil {
			r.logger.Error("handler construction failed, target disabled",
				"target", t.Name, "type", t.Type, "error", err)
			continue
		}
		if err := h.Initialize(t.Config); err != nil {
			r.logger.Error("handler initialization failed, target disabled",
				"target", t.Name, "type", t.Type, "error", err)
			continue
		}
		next.handlers[t.Name] = h
		next.handlerCfg[t.Name] = cfgKey
		ready++
	}

	// Close replaced handlers and handlers for removed targets.
	for name, h := range cur.handlers {
		if next.handlers[name] == h {
			continue
		}
		if err := h.Close(); err != nil {
			r.logger.Warn("handler close failed", "target", name, "error", err)
		}
	}

	r.snap.Store(next)
	r.logger.Info("handlers initialized",
		"ready", ready, "targets", len(cur.targets))
	return ready
}

// ReloadTemplates refreshes only the template cache and re-merges template
// bodies into the loaded targets. Handlers and mappings are untouched.
func (r *TargetRegistry) ReloadTemplates(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	templates, err := r.store.Templates(ctx)
	if err != nil {
		return errors.Wrap(err, "TargetRegistry", "ReloadTemplates", "load templates")
	}

	cur := r.snap.Load()
	next := cur.clone()
	next.templates = make(map[string]export.PayloadTemplate, len(templates))
	for _, tpl := range templates {
		next.templates[tpl.Name] = tpl
	}

	next.targets = make([]export.DynamicTarget, len(cur.targets))
	copy(next.targets, cur.targets)
	for i := range next.targets {
		t := &next.targets[i]
		if t.TemplateName == "" {
			continue
		}
		if tpl, ok := next.templates[t.TemplateName]; ok {
			t.Template = tpl.Template
		} else {
			t.Template = nil
		}
	}

	r.snap.Store(next)
	r.logger.Info("templates reloaded", "templates", len(templates))
	return nil
}

// Close shuts every handler down and empties the registry.
func (r *TargetRegistry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	for name, h := range cur.handlers {
		if err := h.Close(); err != nil {
			r.logger.Warn("handler close failed", "target", name, "error", err)
		}
	}
	r.snap.Store(emptySnapshot())
}

// Read accessors. Each resolves against the snapshot current at call time;
// callers needing a consistent multi-lookup view should hold Snapshot()
// once instead.

// AllTargets returns a copy of the dispatch-ordered target list.
func (r *TargetRegistry) AllTargets() []export.DynamicTarget {
	targets := r.Snapshot().Targets()
	out := make([]export.DynamicTarget, len(targets))
	copy(out, targets)
	return out
}

// Target looks up a target by name.
func (r *TargetRegistry) Target(name string) (export.DynamicTarget, bool) {
	return r.Snapshot().Target(name)
}

// TargetByID looks up a target by its stored ID.
func (r *TargetRegistry) TargetByID(id int) (export.DynamicTarget, bool) {
	return r.Snapshot().TargetByID(id)
}

// MappedPointIDs returns the sorted point IDs mapped to a target.
func (r *TargetRegistry) MappedPointIDs(targetID int) []int {
	return r.Snapshot().MappedPointIDs(targetID)
}

// TargetFieldName returns the downstream field name a point maps to, or ""
// when unmapped.
func (r *TargetRegistry) TargetFieldName(targetID int, pointName string) string {
	return r.Snapshot().TargetFieldName(targetID, pointName)
}

// IsPointMapped reports whether a point has a mapping row for the target.
func (r *TargetRegistry) IsPointMapped(targetID int, pointName string) bool {
	return r.Snapshot().IsPointMapped(targetID, pointName)
}

// OverrideSiteID returns the mapping's site override, or "".
func (r *TargetRegistry) OverrideSiteID(targetID int, pointName string) string {
	return r.Snapshot().OverrideSiteID(targetID, pointName)
}

// ExternalBuildingID returns the external building identifier assigned to
// a site, or "".
func (r *TargetRegistry) ExternalBuildingID(targetID int, siteID string) string {
	return r.Snapshot().ExternalBuildingID(targetID, siteID)
}

// Scale returns the mapping's scale factor, 1.0 when unmapped.
func (r *TargetRegistry) Scale(targetID int, pointName string) float64 {
	return r.Snapshot().Scale(targetID, pointName)
}

// Offset returns the mapping's offset, 0 when unmapped.
func (r *TargetRegistry) Offset(targetID int, pointName string) float64 {
	return r.Snapshot().Offset(targetID, pointName)
}

// AssignedPoints returns the sorted point names covered by any mapping.
func (r *TargetRegistry) AssignedPoints() []string {
	return r.Snapshot().AssignedPoints()
}

// IsAssignedPoint reports whether any loaded target maps the point.
func (r *TargetRegistry) IsAssignedPoint(pointName string) bool {
	return r.Snapshot().IsAssignedPoint(pointName)
}

// TemplateFor returns a stored template body by name.
func (r *TargetRegistry) TemplateFor(name string) (json.RawMessage, bool) {
	return r.Snapshot().Template(name)
}
