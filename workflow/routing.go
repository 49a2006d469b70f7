package workflow

import (
	"context"
	"sort"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/nesting_backend/config"
	"bitbucket.org/mmdatafocus/nesting_backend/models"
	"bitbucket.org/mmdatafocus/nesting_backend/rowstore"
	"github.com/sirupsen/logrus"
)

type ResolvedRoute struct {
	SheetId      int64
	LogicalSheet string
	Action       models.EventAction
	Handler      HandlerID
	Enabled      bool
	Comment      string
}

// RoutingTable is keyed by numeric sheet id, so renaming a sheet never breaks routing.
// Immutable once built.
type RoutingTable struct {
	routes   map[int64]map[models.EventAction]ResolvedRoute
	handlers map[HandlerID]HandlerConfig
	settings GlobalSettings
	builtAt  time.Time
}

func emptyRoutingTable() *RoutingTable {
	return &RoutingTable{
		routes:   map[int64]map[models.EventAction]ResolvedRoute{},
		handlers: map[HandlerID]HandlerConfig{},
		builtAt:  time.Now(),
	}
}

// BuildRoutingTable resolves every logical sheet in doc to its current id. A nil doc yields an
// empty table. Sheets, actions or handlers that cannot be resolved are skipped with a warning.
func BuildRoutingTable(ctx context.Context, doc *RoutingDocument, resolver rowstore.SheetResolver) *RoutingTable {
	table := emptyRoutingTable()
	if doc == nil {
		return table
	}
	logger := config.GetLogger()
	table.settings = doc.GlobalSettings

	for name, hc := range doc.HandlerConfig {
		id, ok := ParseHandlerID(name)
		if !ok {
			logger.WithFields(logrus.Fields{"field": "routing", "handler": name}).Warn("unknown handler in handler_config; ignored")
			continue
		}
		table.handlers[id] = hc
	}

	for _, spec := range doc.Routes {
		if spec.LogicalSheet == "" {
			continue
		}
		sheetId, err := resolver.ResolveSheetId(ctx, spec.LogicalSheet)
		if err != nil {
			logger.WithFields(logrus.Fields{
				"field":         "routing",
				"logical_sheet": spec.LogicalSheet,
				"error":         err.Error(),
			}).Warn("sheet could not be resolved; routes skipped")
			continue
		}

		for rawAction, rc := range spec.Actions {
			action, err := models.ParseEventAction(rawAction)
			if err != nil {
				logger.WithFields(logrus.Fields{"field": "routing", "logical_sheet": spec.LogicalSheet, "action": rawAction}).Warn("unknown action; ignored")
				continue
			}
			handler, ok := ParseHandlerID(rc.Handler)
			if !ok {
				logger.WithFields(logrus.Fields{"field": "routing", "logical_sheet": spec.LogicalSheet, "handler": rc.Handler}).Warn("unknown handler; route ignored")
				continue
			}
			if table.routes[sheetId] == nil {
				table.routes[sheetId] = map[models.EventAction]ResolvedRoute{}
			}
			table.routes[sheetId][action] = ResolvedRoute{
				SheetId:      sheetId,
				LogicalSheet: spec.LogicalSheet,
				Action:       action,
				Handler:      handler,
				Enabled:      rc.IsEnabled(),
				Comment:      rc.Comment,
			}
		}
	}
	return table
}

// Resolve returns the handler for (sheet, action). Unknown sheets, unconfigured actions and
// disabled routes all yield false.
func (t *RoutingTable) Resolve(sheetId int64, action models.EventAction) (HandlerID, bool) {
	route, ok := t.routes[sheetId][action]
	if !ok || !route.Enabled {
		return "", false
	}
	return route.Handler, true
}

func (t *RoutingTable) Route(sheetId int64, action models.EventAction) (ResolvedRoute, bool) {
	route, ok := t.routes[sheetId][action]
	return route, ok
}

func (t *RoutingTable) HandlerConfig(id HandlerID) HandlerConfig {
	return t.handlers[id]
}

func (t *RoutingTable) Settings() GlobalSettings {
	return t.settings
}

func (t *RoutingTable) BuiltAt() time.Time {
	return t.builtAt
}

// Routes lists every route, enabled or not, ordered by sheet then action.
func (t *RoutingTable) Routes() []ResolvedRoute {
	out := make([]ResolvedRoute, 0)
	for _, actions := range t.routes {
		for _, r := range actions {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LogicalSheet != out[j].LogicalSheet {
			return out[i].LogicalSheet < out[j].LogicalSheet
		}
		return out[i].Action < out[j].Action
	})
	return out
}

// Timeout is the handler's configured timeout, else the document default, else the env default.
func (t *RoutingTable) Timeout(id HandlerID) time.Duration {
	if s := t.handlers[id].TimeoutSeconds; s > 0 {
		return time.Duration(s) * time.Second
	}
	if s := t.settings.DefaultTimeoutSeconds; s > 0 {
		return time.Duration(s) * time.Second
	}
	return config.DefaultHandlerTimeout()
}

// RoutingRegistry owns the process-wide routing table. It is built on first use and only
// rebuilt by Refresh; staleness is bounded by process lifetime.
type RoutingRegistry struct {
	path     string
	resolver rowstore.SheetResolver
	load     func(path string) (*RoutingDocument, error)

	mu    sync.Mutex
	table *RoutingTable
}

func NewRoutingRegistry(path string, resolver rowstore.SheetResolver) *RoutingRegistry {
	return &RoutingRegistry{path: path, resolver: resolver, load: LoadRoutingDocument}
}

// NewStaticRoutingRegistry serves a document already in memory.
func NewStaticRoutingRegistry(doc *RoutingDocument, resolver rowstore.SheetResolver) *RoutingRegistry {
	return &RoutingRegistry{
		resolver: resolver,
		load:     func(string) (*RoutingDocument, error) { return doc, nil },
	}
}

func (r *RoutingRegistry) Table(ctx context.Context) *RoutingTable {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.table == nil {
		r.table = r.build(ctx)
	}
	return r.table
}

func (r *RoutingRegistry) Refresh(ctx context.Context) *RoutingTable {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.table = r.build(ctx)
	return r.table
}

func (r *RoutingRegistry) build(ctx context.Context) *RoutingTable {
	logger := config.GetLogger()
	doc, err := r.load(r.path)
	if err != nil {
		config.LogError(logger, "routing", "RoutingRegistry.build", "routing document unreadable; using empty table", r.path, err)
		return emptyRoutingTable()
	}
	if doc == nil {
		logger.WithFields(logrus.Fields{"field": "routing", "path": r.path}).Warn("routing document not found; every event will be IGNORED")
		return emptyRoutingTable()
	}
	table := BuildRoutingTable(ctx, doc, r.resolver)
	logger.WithFields(logrus.Fields{"field": "routing", "routes": len(table.Routes())}).Info("routing table built")
	return table
}
