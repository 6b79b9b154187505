package devrt

import (
	"os"
	"strings"

	"k8s.io/klog/v2"
)

const (
	// ClusterHostPrefixesEnv is the name of the environment variable with a comma separated list of extra hostname
	// prefixes recognized as cluster hosts, where the multiplexing daemon (NVidia MPS) may run.
	ClusterHostPrefixesEnv = "GODEVRT_CLUSTER_HOST_PREFIXES"

	// tuxHostPrefix is the prefix of the hostnames of the "tux" cluster nodes.
	tuxHostPrefix = "tux"
)

// HostClass is the classification of the host the process is running on.
type HostClass struct {
	// Name of the cluster the host belongs to, or "" if the host is not recognized.
	Name string

	// Hostname as reported by the OS, or "" if it couldn't be retrieved.
	Hostname string

	// multiplexingProbe of the matched host class, nil if the host is not recognized.
	multiplexingProbe func() (bool, error)
}

// IsKnownCluster returns whether the host was recognized as a node of a known cluster.
func (h HostClass) IsKnownCluster() bool {
	return h.Name != ""
}

// String implements fmt.Stringer.
func (h HostClass) String() string {
	if !h.IsKnownCluster() {
		return "unknown host"
	}
	return h.Name + " host " + h.Hostname
}

// hostStrategy is an entry of the table of known host classes.
type hostStrategy struct {
	name  string
	match func(hostname string) bool

	// multiplexingProbe checks whether the multiplexing daemon is running. Only evaluated on matching hosts.
	multiplexingProbe func() (bool, error)
}

var (
	// hostnameFn returns the hostname; replaceable in tests.
	hostnameFn = os.Hostname

	// mpsProbeFn is the multiplexing daemon probe used for cluster hosts; replaceable in tests.
	mpsProbeFn = probeMPSDaemon
)

// hostStrategies returns the table of known host classes: "tux" plus the prefixes in $GODEVRT_CLUSTER_HOST_PREFIXES.
func hostStrategies() []hostStrategy {
	prefixes := []string{tuxHostPrefix}
	for _, prefix := range strings.Split(os.Getenv(ClusterHostPrefixesEnv), ",") {
		prefix = strings.TrimSpace(prefix)
		if prefix != "" {
			prefixes = append(prefixes, prefix)
		}
	}
	strategies := make([]hostStrategy, 0, len(prefixes))
	for _, prefix := range prefixes {
		strategies = append(strategies, hostStrategy{
			name:              prefix,
			match:             func(hostname string) bool { return strings.HasPrefix(hostname, prefix) },
			multiplexingProbe: func() (bool, error) { return mpsProbeFn() },
		})
	}
	return strategies
}

// ClassifyHost classifies the host the process runs on by its hostname.
// A failure to read the hostname is not fatal: the host is classified as unknown.
func ClassifyHost() HostClass {
	hostname, err := hostnameFn()
	if err != nil {
		klog.Warningf("Failed to get hostname, assuming unknown host class: %v", err)
		return HostClass{}
	}
	for _, strategy := range hostStrategies() {
		if strategy.match(hostname) {
			return HostClass{Name: strategy.name, Hostname: hostname, multiplexingProbe: strategy.multiplexingProbe}
		}
	}
	return HostClass{Hostname: hostname}
}

// MultiplexingDaemonActive returns whether the multiplexing daemon (NVidia MPS) is active on the host.
//
// It is only probed on known cluster hosts: on any other host it is reported inactive without probing.
// Probe failures are logged and reported as inactive.
func (h HostClass) MultiplexingDaemonActive() bool {
	if !h.IsKnownCluster() || h.multiplexingProbe == nil {
		return false
	}
	active, err := h.multiplexingProbe()
	if err != nil {
		klog.Warningf("Failed to probe for the MPS daemon on %s, assuming it is not running: %v", h, err)
		return false
	}
	return active
}

// IsMultiplexingDaemonActive classifies the host and returns whether the multiplexing daemon (NVidia MPS) is active.
// See HostClass.MultiplexingDaemonActive.
func IsMultiplexingDaemonActive() bool {
	return ClassifyHost().MultiplexingDaemonActive()
}
