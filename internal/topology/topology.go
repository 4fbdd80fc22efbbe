// Package topology groups CPUs into scalability domains and pins worker
// threads to them. Each domain is served by one replica of every log.
package topology

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"
)

var (
	// ErrNoDomains is returned when a topology would have no domains.
	ErrNoDomains = errors.New("topology: at least one domain required")

	// ErrTooManyDomains is returned when there are fewer CPUs than domains.
	ErrTooManyDomains = errors.New("topology: more domains than CPUs")

	// ErrPinUnsupported is returned by Pin on platforms without CPU affinity.
	ErrPinUnsupported = errors.New("topology: pinning not supported on this platform")
)

// Domain is a group of CPUs that share one replica.
type Domain struct {
	ID   int   `json:"id"`
	CPUs []int `json:"cpus"`
}

// String renders the domain as "id:[cpus]", e.g. "1:[4-7]".
func (d Domain) String() string {
	return strconv.Itoa(d.ID) + ":[" + cpuList(d.CPUs) + "]"
}

// Topology maps CPUs onto scalability domains.
type Topology struct {
	Domains []Domain `json:"domains"`
	CPUs    int      `json:"cpus"`
}

// Detect splits the CPUs the process may run on (its affinity mask) evenly
// into n domains.
func Detect(n int) (Topology, error) {
	allowed, err := Allowed()
	if err != nil {
		return Topology{}, fmt.Errorf("topology: reading affinity: %w", err)
	}
	return SplitCPUs(allowed, n)
}

// Split divides cpus consecutive CPU ids into n domains whose sizes differ by
// at most one. Lower domains get the extra CPUs.
//
// Example:
//
//	t, _ := topology.Split(10, 3)
//	// 0:[0-3] 1:[4-6] 2:[7-9]
func Split(cpus, n int) (Topology, error) {
	ids := make([]int, max(cpus, 0))
	for i := range ids {
		ids[i] = i
	}
	return SplitCPUs(ids, n)
}

// SplitCPUs is Split over an explicit, sorted list of CPU ids such as a
// cpuset: SplitCPUs([4 5 6 7], 2) gives 0:[4-5] 1:[6-7].
func SplitCPUs(cpus []int, n int) (Topology, error) {
	if n <= 0 {
		return Topology{}, ErrNoDomains
	}
	if len(cpus) < n {
		return Topology{}, fmt.Errorf("%w: %d domains, %d cpus", ErrTooManyDomains, n, len(cpus))
	}

	t := Topology{Domains: make([]Domain, n), CPUs: len(cpus)}
	per, extra := len(cpus)/n, len(cpus)%n
	next := 0
	for d := range t.Domains {
		size := per
		if d < extra {
			size++
		}
		t.Domains[d] = Domain{ID: d, CPUs: slices.Clone(cpus[next : next+size])}
		next += size
	}
	return t, nil
}

// DomainOf returns the domain owning cpu, or -1.
func (t Topology) DomainOf(cpu int) int {
	for _, d := range t.Domains {
		for _, c := range d.CPUs {
			if c == cpu {
				return d.ID
			}
		}
	}
	return -1
}

// Assign spreads worker number i of a domain over the domain's CPUs.
func (t Topology) Assign(domain, i int) int {
	cpus := t.Domains[domain].CPUs
	return cpus[i%len(cpus)]
}

func (t Topology) String() string {
	parts := make([]string, len(t.Domains))
	for i, d := range t.Domains {
		parts[i] = d.String()
	}
	return strings.Join(parts, " ")
}

// cpuList compresses sorted ids into ranges: [0 1 2 5] -> "0-2,5".
func cpuList(ids []int) string {
	var b strings.Builder
	for i := 0; i < len(ids); {
		j := i
		for j+1 < len(ids) && ids[j+1] == ids[j]+1 {
			j++
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(ids[i]))
		if j > i {
			b.WriteByte('-')
			b.WriteString(strconv.Itoa(ids[j]))
		}
		i = j + 1
	}
	return b.String()
}
