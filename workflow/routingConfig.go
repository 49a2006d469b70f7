package workflow

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// RoutingDocument is the declarative routing config. JSON documents parse too.
//
//	routes:
//	  - logical_sheet: 02_TAG_REGISTRY
//	    actions:
//	      created: {handler: tag_intake, enabled: true}
//	      updated: {handler: tag_intake, enabled: false, comment: edits are manual}
//	handler_config:
//	  tag_intake: {target_function: TagIntake, timeout: 20, retry_on_failure: false}
//	global_settings:
//	  ignore_system_actors: true
//	  default_timeout: 30
type RoutingDocument struct {
	Routes         []SheetRouteSpec         `yaml:"routes" json:"routes"`
	HandlerConfig  map[string]HandlerConfig `yaml:"handler_config" json:"handler_config"`
	GlobalSettings GlobalSettings           `yaml:"global_settings" json:"global_settings"`
}

type SheetRouteSpec struct {
	LogicalSheet string                 `yaml:"logical_sheet" json:"logical_sheet"`
	Actions      map[string]RouteConfig `yaml:"actions" json:"actions"`
}

// RouteConfig: Enabled defaults to true when omitted.
type RouteConfig struct {
	Handler string `yaml:"handler" json:"handler"`
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Comment string `yaml:"comment" json:"comment"`
}

func (r RouteConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

type HandlerConfig struct {
	TargetFunction string `yaml:"target_function" json:"target_function"`
	TimeoutSeconds int    `yaml:"timeout" json:"timeout"`
	RetryOnFailure bool   `yaml:"retry_on_failure" json:"retry_on_failure"`
	NotImplemented bool   `yaml:"not_implemented" json:"not_implemented"`
}

type GlobalSettings struct {
	IgnoreSystemActors    *bool    `yaml:"ignore_system_actors" json:"ignore_system_actors"`
	LogIgnoredEvents      bool     `yaml:"log_ignored_events" json:"log_ignored_events"`
	DefaultTimeoutSeconds int      `yaml:"default_timeout" json:"default_timeout"`
	SystemActorIds        []string `yaml:"system_actor_ids" json:"system_actor_ids"`
}

// ShouldIgnoreSystemActors defaults to true.
func (g GlobalSettings) ShouldIgnoreSystemActors() bool {
	return g.IgnoreSystemActors == nil || *g.IgnoreSystemActors
}

func ParseRoutingDocument(data []byte) (*RoutingDocument, error) {
	var doc RoutingDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse routing document: %w", err)
	}
	for i := range doc.Routes {
		doc.Routes[i].LogicalSheet = strings.TrimSpace(doc.Routes[i].LogicalSheet)
	}
	return &doc, nil
}

// LoadRoutingDocument returns (nil, nil) when path is empty or the file does not exist.
func LoadRoutingDocument(path string) (*RoutingDocument, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	return ParseRoutingDocument(data)
}
