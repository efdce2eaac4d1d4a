package cgroups

// CPUController configures the cgroup-v2 "cpu" controller. A nil
// field means "inherit" and must never be written to cgroupfs.
type CPUController struct {
	// Weight is cpu.weight, valid range [1, 10000].
	Weight *uint64
	// Max is the microsecond quota of cpu.max.
	Max *uint64
	// Period is the microsecond period of cpu.max.
	Period *uint64
}

// CpusetController configures the cgroup-v2 "cpuset" controller.
type CpusetController struct {
	// Cpus is cpuset.cpus, e.g. "0-3,7".
	Cpus *string
	// Mems is cpuset.mems.
	Mems *string
}

// MemoryController configures the cgroup-v2 "memory" controller. All
// values are bytes.
type MemoryController struct {
	Min  *uint64
	Low  *uint64
	High *uint64
	Max  *uint64
}

// Spec bundles the controllers that may be applied to a cgroup
// subtree. Each embedded controller is itself optional.
type Spec struct {
	CPU    *CPUController
	Cpuset *CpusetController
	Memory *MemoryController
}

func (s Spec) controllerNames() []string {
	var names []string
	if s.CPU != nil {
		names = append(names, "cpu")
	}
	if s.Cpuset != nil {
		names = append(names, "cpuset")
	}
	if s.Memory != nil {
		names = append(names, "memory")
	}
	return names
}
