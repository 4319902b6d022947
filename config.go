package pdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is a bundle of roles, policies and assignments plus engine settings.
type Config struct {
	Version     uint16        `json:"version" yaml:"version"`
	Roles       []*Role       `json:"roles" yaml:"roles"`
	Policies    []*Policy     `json:"policies" yaml:"policies"`
	Assignments []*Assignment `json:"assignments" yaml:"assignments"`
	Engine      EngineConfig  `json:"engine" yaml:"engine"`
}

// EngineConfig holds tunables. Zero values keep the engine defaults.
type EngineConfig struct {
	MaxRoleGraphSize    int   `json:"max_role_graph_size" yaml:"max_role_graph_size"`
	EvaluationTimeoutMS int64 `json:"evaluation_timeout_ms" yaml:"evaluation_timeout_ms"`
	BatchWorkerCount    int   `json:"batch_worker_count" yaml:"batch_worker_count"`
	RoleCacheEntries    int64 `json:"role_cache_entries" yaml:"role_cache_entries"`
	AuditBufferSize     int   `json:"audit_buffer_size" yaml:"audit_buffer_size"`
	AuditSendTimeoutMS  int64 `json:"audit_send_timeout_ms" yaml:"audit_send_timeout_ms"`
}

// Options maps the settings to engine options.
func (c EngineConfig) Options() []EngineOption {
	var opts []EngineOption
	if c.MaxRoleGraphSize > 0 {
		opts = append(opts, WithMaxRoleGraphSize(c.MaxRoleGraphSize))
	}
	if c.EvaluationTimeoutMS > 0 {
		opts = append(opts, WithEvaluationTimeout(time.Duration(c.EvaluationTimeoutMS)*time.Millisecond))
	}
	if c.BatchWorkerCount > 0 {
		opts = append(opts, WithBatchConcurrency(c.BatchWorkerCount))
	}
	if c.RoleCacheEntries > 0 {
		opts = append(opts, WithRoleCache(c.RoleCacheEntries))
	}
	return opts
}

// AuditOptions maps the audit settings to emitter options.
func (c EngineConfig) AuditOptions() []AuditOption {
	var opts []AuditOption
	if c.AuditBufferSize > 0 {
		opts = append(opts, WithAuditBuffer(c.AuditBufferSize))
	}
	if c.AuditSendTimeoutMS > 0 {
		opts = append(opts, WithAuditSendTimeout(time.Duration(c.AuditSendTimeoutMS)*time.Millisecond))
	}
	return opts
}

// ConfigLoader loads configuration from various formats
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode yaml config: %w", err)
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode json config: %w", err)
	}
	return cfg, nil
}

// LoadFile picks the decoder from the file extension; anything other than
// .json is read as YAML.
func (l *ConfigLoader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return l.LoadJSON(data)
	}
	return l.LoadYAML(data)
}

// ToYAML exports config to YAML
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ToJSON exports config to JSON
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// Validate checks every object and the references between them. Dangling
// inheritance edges are tolerated by the engine and are not errors here.
func (c *Config) Validate() error {
	var errs []error
	roles := make(map[string]struct{}, len(c.Roles))
	for _, r := range c.Roles {
		if err := ValidateRole(r); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := roles[r.ID]; dup {
			errs = append(errs, fmt.Errorf("duplicate role %q", r.ID))
		}
		roles[r.ID] = struct{}{}
	}
	policies := make(map[string]struct{}, len(c.Policies))
	for _, p := range c.Policies {
		if err := ValidatePolicy(p); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := policies[p.ID]; dup {
			errs = append(errs, fmt.Errorf("duplicate policy %q", p.ID))
		}
		policies[p.ID] = struct{}{}
	}
	assignments := make(map[string]struct{}, len(c.Assignments))
	for _, a := range c.Assignments {
		if err := ValidateAssignment(a); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := assignments[a.ID]; dup {
			errs = append(errs, fmt.Errorf("duplicate assignment %q", a.ID))
		}
		assignments[a.ID] = struct{}{}
		if _, ok := roles[a.RoleID]; !ok {
			errs = append(errs, fmt.Errorf("assignment %q references unknown role %q", a.ID, a.RoleID))
		}
	}
	return errors.Join(errs...)
}

// State returns the roles and policies of the bundle as a store state.
func (c *Config) State(version uint64) *StoreState {
	st := &StoreState{Version: version}
	for _, r := range c.Roles {
		st.Roles = append(st.Roles, r.Clone())
	}
	for _, p := range c.Policies {
		st.Policies = append(st.Policies, p.Clone())
	}
	return st
}

// ApplyConfig validates cfg and upserts its contents into w: roles first,
// then policies, then assignments.
func ApplyConfig(ctx context.Context, w Writer, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	for _, r := range cfg.Roles {
		if err := w.PutRole(ctx, r); err != nil {
			return fmt.Errorf("apply role %s: %w", r.ID, err)
		}
	}
	for _, p := range cfg.Policies {
		if err := w.PutPolicy(ctx, p); err != nil {
			return fmt.Errorf("apply policy %s: %w", p.ID, err)
		}
	}
	for _, a := range cfg.Assignments {
		if err := w.PutAssignment(ctx, a); err != nil {
			return fmt.Errorf("apply assignment %s: %w", a.ID, err)
		}
	}
	return nil
}
