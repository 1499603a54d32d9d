package dispatch

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/neurify-goto/form-sender-orchestrator/internal/domain/model"
)

const (
	defaultVCPUPerWorker     = 1
	defaultMemoryPerWorkerMB = 2048
	minMemoryPerWorkerMB     = 1024
	defaultMemoryBufferMB    = 2048

	// standardShape is the stock machine the deployment starts from.
	standardMachineType = "e2-standard-2"
	standardVCPU        = 2
	standardMemoryMB    = 8192

	// Undersized custom shapes are rebuilt with at least this much memory.
	overrideFloorMemoryMB = 10240
	overrideFloorVCPU     = 4

	defaultBatchSignedURLTTLHours    = 48
	defaultCloudRunSignedURLTTLHours = 15
	minSignedURLTTLHours             = 1
	maxSignedURLTTLHours             = 168

	defaultRefreshThresholdSecs = 21600
	minRefreshThresholdSecs     = 60
	maxRefreshThresholdSecs     = 604800

	minInstanceCount = 1
	maxInstanceCount = 16
)

// customShapePattern matches machine types ending in custom-{vcpu}-{memMB}.
var customShapePattern = regexp.MustCompile(`custom-(\d+)-(\d+)$`)

// BatchDefaults are the deployment-wide Cloud Batch tunables.
type BatchDefaults struct {
	VCPUPerWorker     int
	MemoryPerWorkerMB int
	MemoryBufferMB    int
	// MachineType is the configured default shape.
	MachineType string
	// MachineTypeOverride short-circuits all sizing when set.
	MachineTypeOverride           string
	PreferSpot                    bool
	AllowOnDemandFallback         bool
	MaxParallelism                int
	MaxAttempts                   int
	SignedURLTTLHours             int
	SignedURLRefreshThresholdSecs int
}

// BatchInputs are the per-dispatch sizing inputs.
type BatchInputs struct {
	Workers       int
	Parallelism   int
	InstanceCount int
	Targeting     model.BatchOptions
	Defaults      BatchDefaults
}

// ceilTo256 rounds memory up to the 256 MB granularity custom shapes need.
func ceilTo256(mb int) int {
	if mb <= 0 {
		return 0
	}
	return (mb + 255) / 256 * 256
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ResolveSignedURLTTLHours picks the artifact URL lifetime for a mode, with
// overrides clamped to the 1..168 hour window.
func ResolveSignedURLTTLHours(mode model.ExecutionMode, override int) int {
	if override > 0 {
		return clampInt(override, minSignedURLTTLHours, maxSignedURLTTLHours)
	}
	if mode == model.ModeBatch {
		return defaultBatchSignedURLTTLHours
	}
	return defaultCloudRunSignedURLTTLHours
}

func resolveRefreshThreshold(override int) int {
	if override <= 0 {
		return defaultRefreshThresholdSecs
	}
	return clampInt(override, minRefreshThresholdSecs, maxRefreshThresholdSecs)
}

// BuildBatchSpec computes the Cloud Batch machine shape and limits for one
// dispatch. Sizing never fails: invalid inputs degrade to the documented
// floors and the result carries warning metadata instead.
func BuildBatchSpec(in BatchInputs) *model.BatchSpec {
	workers := in.Workers
	if workers < 1 {
		workers = 1
	}

	vcpu := firstPositive(in.Targeting.VCPUPerWorker, in.Defaults.VCPUPerWorker, defaultVCPUPerWorker)
	mem := firstPositive(in.Targeting.MemoryPerWorkerMB, in.Defaults.MemoryPerWorkerMB, defaultMemoryPerWorkerMB)
	if mem < minMemoryPerWorkerMB {
		mem = minMemoryPerWorkerMB
	}
	if mem < defaultMemoryPerWorkerMB {
		mem = defaultMemoryPerWorkerMB
	}

	buffer := in.Defaults.MemoryBufferMB
	if in.Targeting.MemoryBufferMB > 0 {
		buffer = in.Targeting.MemoryBufferMB
	}
	if buffer <= 0 {
		buffer = defaultMemoryBufferMB
	}

	totalVCPU := workers * vcpu
	totalMemoryMB := ceilTo256(workers*mem + buffer)

	machine, memoryWarning, requested := resolveMachineType(in, totalVCPU, totalMemoryMB)

	maxParallelism := firstPositive(in.Targeting.MaxParallelism, in.Defaults.MaxParallelism, in.Parallelism, 1)
	parallelism := in.Parallelism
	if parallelism < 1 {
		parallelism = 1
	}
	effective := max(1, min(maxParallelism, parallelism, max(maxParallelism, in.InstanceCount)))

	maxAttempts := firstPositive(in.Targeting.MaxAttempts, in.Defaults.MaxAttempts, 1)

	spec := &model.BatchSpec{
		Enabled:                       true,
		MaxParallelism:                effective,
		PreferSpot:                    in.Defaults.PreferSpot,
		AllowOnDemandFallback:         in.Defaults.AllowOnDemandFallback,
		MachineType:                   machine,
		SignedURLTTLHours:             ResolveSignedURLTTLHours(model.ModeBatch, in.Defaults.SignedURLTTLHours),
		SignedURLRefreshThresholdSecs: resolveRefreshThreshold(in.Defaults.SignedURLRefreshThresholdSecs),
		VCPUPerWorker:                 vcpu,
		MemoryPerWorkerMB:             mem,
		MemoryBufferMB:                buffer,
		MaxAttempts:                   maxAttempts,
		WorkersPerWorkflow:            clampInt(workers, 1, 16),
	}
	if in.InstanceCount > 0 {
		spec.InstanceCount = clampInt(in.InstanceCount, minInstanceCount, maxInstanceCount)
	}
	if memoryWarning {
		spec.MemoryWarning = true
		spec.ComputedMemoryMB = totalMemoryMB
		spec.RequestedMachineType = requested
	}
	return spec
}

// resolveMachineType applies the shape selection rules: an operator override
// wins; the stock shape is rewritten to a custom one when the computed
// resources outgrow it; an explicitly configured custom shape that is too
// small is replaced and flagged.
func resolveMachineType(in BatchInputs, totalVCPU, totalMemoryMB int) (machine string, memoryWarning bool, requested string) {
	if in.Defaults.MachineTypeOverride != "" {
		return in.Defaults.MachineTypeOverride, false, ""
	}

	configured := in.Targeting.MachineType
	if configured == "" {
		configured = in.Defaults.MachineType
	}

	machine = configured
	if configured == "" || configured == standardMachineType {
		if totalVCPU > standardVCPU || totalMemoryMB > standardMemoryMB {
			machine = fmt.Sprintf("n2d-custom-%d-%d", totalVCPU, totalMemoryMB)
		} else if machine == "" {
			machine = standardMachineType
		}
	}

	if m := customShapePattern.FindStringSubmatch(machine); m != nil {
		shapeMemory, _ := strconv.Atoi(m[2])
		if shapeMemory < totalMemoryMB {
			requested = machine
			machine = fmt.Sprintf("n2d-custom-%d-%d",
				max(overrideFloorVCPU, totalVCPU),
				ceilTo256(max(totalMemoryMB, overrideFloorMemoryMB)))
			memoryWarning = true
		}
	}
	return machine, memoryWarning, requested
}
