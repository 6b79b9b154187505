package devrt

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/types/known/structpb"
)

// Properties are the capabilities of a device, as reported by its driver.
type Properties struct {
	// Name of the device, e.g.: "Tesla V100-SXM2-16GB".
	Name string

	// Major, Minor compute capability version.
	Major, Minor int

	// MaxGridSize is the maximum number of blocks of a launch, per axis.
	MaxGridSize [3]int

	// MaxThreadsDim is the maximum number of threads of a block, per axis.
	MaxThreadsDim [3]int

	MaxThreadsPerBlock int
	RegsPerBlock       int
	WarpSize           int

	// ClockRate in kHz.
	ClockRate int

	MultiProcessorCount int

	// Memory sizes in bytes.
	TotalGlobalMem    uint64
	SharedMemPerBlock uint64
	TotalConstMem     uint64
}

// Probe queries the properties of the device.
//
// An error means the device is not usable.
func Probe(device *Device) (*Properties, error) {
	if device == nil || device.device == nil {
		return nil, errors.New("Probe given a nil device")
	}
	props, err := device.device.Properties()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to query properties of device %s", device)
	}
	if props == nil {
		return nil, errors.Errorf("driver returned no properties for device %s", device)
	}
	if props.MaxGridSize[0] <= 0 || props.MaxThreadsDim[0] <= 0 {
		return nil, errors.Errorf("device %s reports invalid launch extents: max grid size %v, max block size %v",
			device, props.MaxGridSize, props.MaxThreadsDim)
	}
	return props, nil
}

// CapabilitySummary is the one-line description of the device bound to a rank, used for operator diagnostics.
func CapabilitySummary(rank, deviceIndex int, props *Properties) string {
	return fmt.Sprintf("Rank_%d => Device_%d (%s:sm_%d.%d)", rank, deviceIndex, props.Name, props.Major, props.Minor)
}

// String implements fmt.Stringer with a multi-line dump of the properties.
func (p *Properties) String() string {
	var sb strings.Builder
	w := func(format string, args ...any) {
		_, _ = fmt.Fprintf(&sb, format+"\n", args...)
	}
	w("Major revision number:         %d", p.Major)
	w("Minor revision number:         %d", p.Minor)
	w("Name:                          %s", p.Name)
	w("Total global memory:           %d", p.TotalGlobalMem)
	w("Total shared memory per block: %d", p.SharedMemPerBlock)
	w("Total registers per block:     %d", p.RegsPerBlock)
	w("Warp size:                     %d", p.WarpSize)
	w("Maximum threads per block:     %d", p.MaxThreadsPerBlock)
	for i := range 3 {
		w("Maximum dimension %d of block:  %d", i, p.MaxThreadsDim[i])
	}
	for i := range 3 {
		w("Maximum dimension %d of grid:   %d", i, p.MaxGridSize[i])
	}
	w("Clock rate:                    %d", p.ClockRate)
	w("Total constant memory:         %d", p.TotalConstMem)
	w("Number of multiprocessors:     %d", p.MultiProcessorCount)
	return sb.String()
}

// NamedValuesMap map names to values of simple types: string, int64, uint64 and lists of int64 (as []any).
type NamedValuesMap map[string]any

// Attributes returns the properties as a NamedValuesMap, keyed by snake_case names.
func (p *Properties) Attributes() NamedValuesMap {
	extents := func(v [3]int) []any {
		return []any{int64(v[0]), int64(v[1]), int64(v[2])}
	}
	return NamedValuesMap{
		"name":                  p.Name,
		"compute_capability":    fmt.Sprintf("%d.%d", p.Major, p.Minor),
		"max_grid_size":         extents(p.MaxGridSize),
		"max_threads_dim":       extents(p.MaxThreadsDim),
		"max_threads_per_block": int64(p.MaxThreadsPerBlock),
		"regs_per_block":        int64(p.RegsPerBlock),
		"warp_size":             int64(p.WarpSize),
		"clock_rate_khz":        int64(p.ClockRate),
		"multiprocessor_count":  int64(p.MultiProcessorCount),
		"total_global_mem":      p.TotalGlobalMem,
		"shared_mem_per_block":  p.SharedMemPerBlock,
		"total_const_mem":       p.TotalConstMem,
	}
}

// ToStruct converts the properties to a protobuf Struct, e.g. to be serialized with protojson.
func (p *Properties) ToStruct() (*structpb.Struct, error) {
	s, err := structpb.NewStruct(p.Attributes())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to convert properties of %q to a protobuf Struct", p.Name)
	}
	return s, nil
}
