package config

import "strings"

// DispatchConfig holds the execution-mode defaults and payload tunables.
type DispatchConfig struct {
	// UseGCPBatch and UseServerless are the global mode default flags.
	// They are tri-state strings: "true", "false", or empty for unset.
	UseGCPBatch   string `env:"USE_GCP_BATCH"              envDefault:""`
	UseServerless string `env:"USE_SERVERLESS_FORM_SENDER" envDefault:""`

	// WorkersPerWorkflow is the default worker count per workflow.
	WorkersPerWorkflow int `env:"WORKERS_PER_WORKFLOW" envDefault:"1"`
	// ShardCount is the send-queue shard count.
	ShardCount int `env:"QUEUE_SHARD_COUNT" envDefault:"8"`
	// MaxParallelism caps dispatch parallelism when > 0.
	MaxParallelism int `env:"MAX_PARALLELISM" envDefault:"0"`
	// BatchInstanceCount is the global batch instance default.
	BatchInstanceCount int `env:"BATCH_INSTANCE_COUNT" envDefault:"0"`
	// Branch pins workers to a code branch; empty means the default.
	Branch string `env:"FORM_SENDER_BRANCH" envDefault:""`

	Batch BatchConfig `envPrefix:"BATCH_"`
}

// Sanitize applies guardrails to the dispatch settings.
func (c *DispatchConfig) Sanitize() {
	c.UseGCPBatch = strings.TrimSpace(c.UseGCPBatch)
	c.UseServerless = strings.TrimSpace(c.UseServerless)
	if c.WorkersPerWorkflow <= 0 {
		c.WorkersPerWorkflow = 1
	}
	if c.ShardCount <= 0 {
		c.ShardCount = 8
	}
	c.Batch.Sanitize()
}

// BatchConfig holds the deployment-wide Cloud Batch tunables.
type BatchConfig struct {
	VCPUPerWorker     int `env:"VCPU_PER_WORKER"      envDefault:"1"`
	MemoryPerWorkerMB int `env:"MEMORY_PER_WORKER_MB" envDefault:"2048"`
	MemoryBufferMB    int `env:"MEMORY_BUFFER_MB"     envDefault:"2048"`

	// MachineType is the configured default shape; MachineTypeOverride
	// short-circuits all sizing when set.
	MachineType         string `env:"MACHINE_TYPE"          envDefault:"e2-standard-2"`
	MachineTypeOverride string `env:"MACHINE_TYPE_OVERRIDE" envDefault:""`

	PreferSpot            bool `env:"PREFER_SPOT"              envDefault:"true"`
	AllowOnDemandFallback bool `env:"ALLOW_ON_DEMAND_FALLBACK" envDefault:"true"`

	MaxParallelism int `env:"MAX_PARALLELISM" envDefault:"0"`
	MaxAttempts    int `env:"MAX_ATTEMPTS"    envDefault:"3"`

	// SignedURLTTLHours of 0 selects the per-mode default (48 h batch,
	// 15 h cloud_run).
	SignedURLTTLHours             int `env:"SIGNED_URL_TTL_HOURS"                 envDefault:"0"`
	SignedURLRefreshThresholdSecs int `env:"SIGNED_URL_REFRESH_THRESHOLD_SECONDS" envDefault:"21600"`
}

// Sanitize applies guardrails to the batch tunables.
func (c *BatchConfig) Sanitize() {
	if c.VCPUPerWorker <= 0 {
		c.VCPUPerWorker = 1
	}
	if c.MemoryPerWorkerMB <= 0 {
		c.MemoryPerWorkerMB = 2048
	}
	if c.MemoryBufferMB < 0 {
		c.MemoryBufferMB = 0
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	c.MachineType = strings.TrimSpace(c.MachineType)
	c.MachineTypeOverride = strings.TrimSpace(c.MachineTypeOverride)
}
