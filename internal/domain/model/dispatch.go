package model

// ExecutionMode selects which backend runs a dispatched workload.
type ExecutionMode string

const (
	// ModeBatch runs the workload as a Cloud Batch container job.
	ModeBatch ExecutionMode = "batch"
	// ModeServerless runs the workload on the serverless job runner.
	ModeServerless ExecutionMode = "serverless"
	// ModeGitHub triggers the CI workflow-dispatch fallback.
	ModeGitHub ExecutionMode = "github"
)

// DispatcherMode is the mode label carried in the dispatcher payload.
// Serverless executions are dispatched as "cloud_run".
type DispatcherMode string

const (
	// DispatcherModeBatch labels Cloud Batch executions.
	DispatcherModeBatch DispatcherMode = "batch"
	// DispatcherModeCloudRun labels serverless executions.
	DispatcherModeCloudRun DispatcherMode = "cloud_run"
)

// DispatcherModeFor maps an execution mode to its dispatcher label.
func DispatcherModeFor(mode ExecutionMode) DispatcherMode {
	if mode == ModeBatch {
		return DispatcherModeBatch
	}
	return DispatcherModeCloudRun
}

// TableVariant selects the send-queue table family a build targets.
type TableVariant string

const (
	// TablePrimary is the production queue.
	TablePrimary TableVariant = "primary"
	// TableExtra is the client-scoped extra-company queue.
	TableExtra TableVariant = "extra"
	// TableTest is the isolated test queue.
	TableTest TableVariant = "test"
)

// ProcSuffix returns the stored-procedure name suffix for the variant.
func (v TableVariant) ProcSuffix() string {
	switch v {
	case TableExtra:
		return "_extra"
	case TableTest:
		return "_test"
	default:
		return ""
	}
}

// ResolveTableVariant picks the variant from flags; test mode wins.
func ResolveTableVariant(testMode, useExtra bool) TableVariant {
	if testMode {
		return TableTest
	}
	if useExtra {
		return TableExtra
	}
	return TablePrimary
}

// TableSet names the external tables a dispatched worker must use.
type TableSet struct {
	UseExtraTable    bool   `json:"use_extra_table"`
	CompanyTable     string `json:"company_table"`
	SendQueueTable   string `json:"send_queue_table"`
	SubmissionsTable string `json:"submissions_table,omitempty"`
}

// TableSetFor derives the worker-facing table names for a variant.
func TableSetFor(variant TableVariant) TableSet {
	switch variant {
	case TableExtra:
		return TableSet{
			UseExtraTable:  true,
			CompanyTable:   "companies_extra",
			SendQueueTable: "send_queue_extra",
		}
	case TableTest:
		return TableSet{
			CompanyTable:     "companies",
			SendQueueTable:   "send_queue_test",
			SubmissionsTable: "submissions_test",
		}
	default:
		return TableSet{
			CompanyTable:   "companies",
			SendQueueTable: "send_queue",
		}
	}
}

// ExecutionSpec is the execution block of the dispatcher payload.
type ExecutionSpec struct {
	RunTotal           int `json:"run_total"`
	Parallelism        int `json:"parallelism"`
	RunIndexBase       int `json:"run_index_base"`
	Shards             int `json:"shards"`
	WorkersPerWorkflow int `json:"workers_per_workflow"`
}

// BatchSpec is the Cloud Batch sizing block attached to batch payloads.
type BatchSpec struct {
	Enabled                        bool   `json:"enabled"`
	MaxParallelism                 int    `json:"max_parallelism"`
	PreferSpot                     bool   `json:"prefer_spot"`
	AllowOnDemandFallback          bool   `json:"allow_on_demand_fallback"`
	MachineType                    string `json:"machine_type"`
	SignedURLTTLHours              int    `json:"signed_url_ttl_hours"`
	SignedURLRefreshThresholdSecs  int    `json:"signed_url_refresh_threshold_seconds"`
	VCPUPerWorker                  int    `json:"vcpu_per_worker"`
	MemoryPerWorkerMB              int    `json:"memory_per_worker_mb"`
	MemoryBufferMB                 int    `json:"memory_buffer_mb"`
	MaxAttempts                    int    `json:"max_attempts"`
	InstanceCount                  int    `json:"instance_count,omitempty"`
	WorkersPerWorkflow             int    `json:"workers_per_workflow,omitempty"`
	MemoryWarning                  bool   `json:"memory_warning,omitempty"`
	ComputedMemoryMB               int    `json:"computed_memory_mb,omitempty"`
	FallbackMachineType            string `json:"fallback_machine_type,omitempty"`
	RequestedMachineType           string `json:"requested_machine_type,omitempty"`
}

// DispatchPayload is the body POSTed from the task queue to the dispatcher.
type DispatchPayload struct {
	ExecutionID        string            `json:"execution_id"`
	TargetingID        int               `json:"targeting_id"`
	ClientConfigRef    string            `json:"client_config_ref"`
	ClientConfigObject string            `json:"client_config_object"`
	Tables             TableSet          `json:"tables"`
	Execution          ExecutionSpec     `json:"execution"`
	TestMode           bool              `json:"test_mode"`
	Branch             *string           `json:"branch"`
	WorkflowTrigger    string            `json:"workflow_trigger"`
	Metadata           map[string]string `json:"metadata"`
	Mode               DispatcherMode    `json:"mode"`
	DispatcherMode     DispatcherMode    `json:"dispatcher_mode"`
	Batch              *BatchSpec        `json:"batch,omitempty"`
	CPUClass           string            `json:"cpu_class,omitempty"`
}

// Execution is one running workload reported by a backend.
type Execution struct {
	ExecutionID  string            `json:"execution_id"`
	TargetingID  int               `json:"targeting_id"`
	Status       string            `json:"status"`
	RunIndexBase int               `json:"run_index_base"`
	StartedAt    string            `json:"started_at"`
	EndedAt      string            `json:"ended_at,omitempty"`
	Backend      string            `json:"backend,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}
