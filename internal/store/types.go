package store

import "time"

// DeploymentStatus is the lifecycle state of a Deployment. NotDeployed and
// Removed are implicit (no record / record deleted).
type DeploymentStatus string

const (
	StatusInstalling  DeploymentStatus = "Installing"
	StatusRunning     DeploymentStatus = "Running"
	StatusUpgrading   DeploymentStatus = "Upgrading"
	StatusFailed      DeploymentStatus = "Failed"
	StatusRollingBack DeploymentStatus = "RollingBack"
	StatusRemoving    DeploymentStatus = "Removing"
)

// InFlight reports whether the status marks a mutating operation in progress.
func (s DeploymentStatus) InFlight() bool {
	switch s {
	case StatusInstalling, StatusUpgrading, StatusRollingBack, StatusRemoving:
		return true
	}
	return false
}

// OperationKind names the mutating operations of the deployment engine.
type OperationKind string

const (
	OpInstall  OperationKind = "Install"
	OpUpgrade  OperationKind = "Upgrade"
	OpRollback OperationKind = "Rollback"
	OpRemove   OperationKind = "Remove"
)

// Environment is one managed Docker daemon.
type Environment struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Endpoint  string    `json:"endpoint"` // unix socket path or tcp:// URL
	CreatedAt time.Time `json:"created_at"`
}

// SourceKind identifies where a StackSource draws definitions from.
type SourceKind string

const (
	SourceLocalDir SourceKind = "LocalDir"
	SourceGitRepo  SourceKind = "GitRepo"
	SourceCatalog  SourceKind = "Catalog"
)

// StackSource is a location from which stack definitions are discovered.
type StackSource struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Kind         SourceKind `json:"kind"`
	Location     string     `json:"location"` // directory path, repo URL, or catalog URL
	Ref          string     `json:"ref,omitempty"`
	FilePattern  string     `json:"file_pattern,omitempty"`
	Enabled      bool       `json:"enabled"`
	SyncSchedule string     `json:"sync_schedule,omitempty"` // cron expression; empty = manual only
	LastSyncedAt time.Time  `json:"last_synced_at,omitzero"`
}

// VariableKind is the input type of a stack variable.
type VariableKind string

const (
	VarText   VariableKind = "text"
	VarSecret VariableKind = "secret"
	VarEnum   VariableKind = "enum"
	VarBool   VariableKind = "bool"
	VarNumber VariableKind = "number"
)

// Variable describes one configurable value of a StackDefinition.
type Variable struct {
	Name         string       `json:"name"`
	Label        string       `json:"label,omitempty"`
	Group        string       `json:"group,omitempty"`
	IsRequired   bool         `json:"is_required,omitempty"`
	DefaultValue string       `json:"default_value,omitempty"`
	Kind         VariableKind `json:"kind,omitempty"`
	Options      []string     `json:"options,omitempty"` // for kind=enum
}

// StackDefinition is a versioned compose template. Immutable once published
// by a sync; replaced wholesale on the next sync.
type StackDefinition struct {
	ID              string     `json:"id"`
	SourceID        string     `json:"source_id"`
	ProductID       string     `json:"product_id,omitempty"`
	Name            string     `json:"name"`
	Version         string     `json:"version"`
	ComposeTemplate string     `json:"compose_template"`
	Variables       []Variable `json:"variables,omitempty"`
	Services        []string   `json:"services,omitempty"`
	InitContainers  []string   `json:"init_containers,omitempty"`
}

// Product bundles one or more StackDefinitions under a shared identity.
type Product struct {
	ID                 string   `json:"id"`
	SourceID           string   `json:"source_id"`
	Name               string   `json:"name"`
	Version            string   `json:"version"`
	StackDefinitionIDs []string `json:"stack_definition_ids"`
}

// ServiceInstance records a deployed service's container binding.
type ServiceInstance struct {
	Name        string   `json:"name"`
	ContainerID string   `json:"container_id,omitempty"`
	Ports       []string `json:"ports,omitempty"`
}

// InitContainerResult records the outcome of one init container run.
type InitContainerResult struct {
	Name          string    `json:"name"`
	ExitCode      int       `json:"exit_code"`
	Succeeded     bool      `json:"succeeded"`
	FailurePolicy string    `json:"failure_policy"`
	CompletedAt   time.Time `json:"completed_at,omitzero"`
	LogTail       []string  `json:"log_tail,omitempty"`
}

// Deployment is an installed instance of a StackDefinition in an Environment.
type Deployment struct {
	ID                  string                `json:"id"`
	EnvironmentID       string                `json:"environment_id"`
	StackDefinitionID   string                `json:"stack_definition_id"`
	StackName           string                `json:"stack_name"`
	Status              DeploymentStatus      `json:"status"`
	CurrentVersion      string                `json:"current_version,omitempty"`
	DeployedAt          time.Time             `json:"deployed_at,omitzero"`
	Configuration       map[string]string     `json:"configuration,omitempty"` // secret-kind values sealed
	Services            []ServiceInstance     `json:"services,omitempty"`
	InitResults         []InitContainerResult `json:"init_results,omitempty"`
	UpgradeCount        int                   `json:"upgrade_count,omitempty"`
	LastOperation       OperationKind         `json:"last_operation,omitempty"`
	LastFailureReason   string                `json:"last_failure_reason,omitempty"`
	AttemptID           string                `json:"attempt_id,omitempty"`
	SessionID           string                `json:"session_id,omitempty"`
	Maintenance         bool                  `json:"maintenance,omitempty"`
	Networks            []string              `json:"networks,omitempty"` // created by the engine
	Volumes             []string              `json:"volumes,omitempty"`  // created by the engine
	ProductDeploymentID string                `json:"product_deployment_id,omitempty"`
}

// ProductStatus aggregates per-stack outcomes of a product operation.
type ProductStatus string

const (
	ProductInProgress ProductStatus = "InProgress"
	ProductSucceeded  ProductStatus = "Succeeded"
	ProductPartial    ProductStatus = "Partial"
	ProductFailed     ProductStatus = "Failed"
)

// ProductDeployment groups Deployments installed together for a Product.
type ProductDeployment struct {
	ID              string            `json:"id"`
	EnvironmentID   string            `json:"environment_id"`
	ProductID       string            `json:"product_id"`
	ProductVersion  string            `json:"product_version"`
	DeploymentIDs   []string          `json:"deployment_ids"`
	Status          ProductStatus     `json:"status"`
	SharedVariables map[string]string `json:"shared_variables,omitempty"`
	CreatedAt       time.Time         `json:"created_at,omitzero"`
}

// SnapshotKind distinguishes what the snapshot was taken ahead of.
type SnapshotKind string

const (
	SnapshotPreUpgrade  SnapshotKind = "PreUpgrade"
	SnapshotPreRollback SnapshotKind = "PreRollback"
)

// Snapshot is a rollback target captured before a mutating change.
type Snapshot struct {
	ID                string            `json:"id"`
	DeploymentID      string            `json:"deployment_id"`
	Kind              SnapshotKind      `json:"kind"`
	CapturedAt        time.Time         `json:"captured_at"`
	StackDefinitionID string            `json:"stack_definition_id,omitempty"`
	ComposeTemplate   string            `json:"compose_template"`
	ResolvedVariables map[string]string `json:"resolved_variables,omitempty"`
	ImageDigests      map[string]string `json:"image_digests,omitempty"` // image ref -> repo digest
	TargetVersion     string            `json:"target_version"`
	Description       string            `json:"description,omitempty"`
}

// HealthStatus is the roll-up status of a deployment.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "Healthy"
	HealthDegraded  HealthStatus = "Degraded"
	HealthUnhealthy HealthStatus = "Unhealthy"
	HealthUnknown   HealthStatus = "Unknown"
)

// ServiceStatus is the health of a single service's container.
type ServiceStatus string

const (
	ServiceHealthy   ServiceStatus = "Healthy"
	ServiceStarting  ServiceStatus = "Starting"
	ServiceUnhealthy ServiceStatus = "Unhealthy"
	ServiceUnknown   ServiceStatus = "Unknown"
)

// OperationMode qualifies how health findings should be interpreted.
type OperationMode string

const (
	ModeNormal      OperationMode = "Normal"
	ModeMaintenance OperationMode = "Maintenance"
	ModeUpgrading   OperationMode = "Upgrading"
	ModeRollingBack OperationMode = "RollingBack"
)

// ServiceHealth is one service's observed state within a health sample.
type ServiceHealth struct {
	Name          string        `json:"name"`
	Status        ServiceStatus `json:"status"`
	ContainerID   string        `json:"container_id,omitempty"`
	ContainerName string        `json:"container_name,omitempty"`
	RestartCount  int           `json:"restart_count,omitempty"`
	Reason        string        `json:"reason,omitempty"`
}

// HealthSample is one reconcile observation for a deployment.
type HealthSample struct {
	DeploymentID      string          `json:"deployment_id"`
	OverallStatus     HealthStatus    `json:"overall_status"`
	OperationMode     OperationMode   `json:"operation_mode"`
	Services          []ServiceHealth `json:"services,omitempty"`
	CapturedAt        time.Time       `json:"captured_at"`
	RequiresAttention bool            `json:"requires_attention,omitempty"`
	HealthyCount      int             `json:"healthy_count"`
	TotalCount        int             `json:"total_count"`
	Message           string          `json:"message,omitempty"`
}
