package pdp

// ConfigBuilder provides fluent API for building configurations
type ConfigBuilder struct {
	cfg *Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{
		cfg: &Config{
			Version: 1,
			Engine: EngineConfig{
				MaxRoleGraphSize: DefaultMaxRoleGraphSize,
				BatchWorkerCount: 16,
				AuditBufferSize:  1024,
			},
		},
	}
}

func (b *ConfigBuilder) Version(v uint16) *ConfigBuilder {
	b.cfg.Version = v
	return b
}

func (b *ConfigBuilder) AddPolicy(p ...*Policy) *ConfigBuilder {
	b.cfg.Policies = append(b.cfg.Policies, p...)
	return b
}

func (b *ConfigBuilder) AddRole(r ...*Role) *ConfigBuilder {
	b.cfg.Roles = append(b.cfg.Roles, r...)
	return b
}

func (b *ConfigBuilder) AddAssignment(a ...*Assignment) *ConfigBuilder {
	b.cfg.Assignments = append(b.cfg.Assignments, a...)
	return b
}

// Assign adds an active, global assignment of roleID to principalID.
func (b *ConfigBuilder) Assign(principalID, roleID string) *ConfigBuilder {
	return b.AddAssignment(NewAssignmentBuilder(principalID, roleID).Build())
}

func (b *ConfigBuilder) EngineSettings(fn func(*EngineConfig)) *ConfigBuilder {
	fn(&b.cfg.Engine)
	return b
}

func (b *ConfigBuilder) Build() *Config {
	return b.cfg
}

func (b *ConfigBuilder) ToYAML() ([]byte, error) {
	return b.cfg.ToYAML()
}

func (b *ConfigBuilder) ToJSON() ([]byte, error) {
	return b.cfg.ToJSON()
}
