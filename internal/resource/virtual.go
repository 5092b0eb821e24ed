package resource

import (
	"github.com/piwi3910/cseweave/internal/types"
)

// Virtual child resource names. A container or time series exposes its
// newest and oldest instance under these names without storing them.
const (
	VirtualLatestRN = "la"
	VirtualOldestRN = "ol"
)

// VirtualChildType maps a (parent type, child name) pair onto the virtual
// type it denotes, if any.
func VirtualChildType(parent types.ResourceType, rn string) (types.ResourceType, bool) {
	switch parent {
	case types.ResourceTypeContainer:
		switch rn {
		case VirtualLatestRN:
			return types.ResourceTypeContainerLatest, true
		case VirtualOldestRN:
			return types.ResourceTypeContainerOldest, true
		}
	case types.ResourceTypeTS:
		switch rn {
		case VirtualLatestRN:
			return types.ResourceTypeTSLatest, true
		case VirtualOldestRN:
			return types.ResourceTypeTSOldest, true
		}
	}
	return 0, false
}

// InstanceTypeFor returns the instance type a virtual child resolves to.
func InstanceTypeFor(virtual types.ResourceType) types.ResourceType {
	switch virtual {
	case types.ResourceTypeContainerLatest, types.ResourceTypeContainerOldest:
		return types.ResourceTypeCIN
	case types.ResourceTypeTSLatest, types.ResourceTypeTSOldest:
		return types.ResourceTypeTSI
	default:
		return types.ResourceTypeMixed
	}
}

// WantsLatest reports whether the virtual type denotes the newest instance
// rather than the oldest.
func WantsLatest(virtual types.ResourceType) bool {
	return virtual == types.ResourceTypeContainerLatest || virtual == types.ResourceTypeTSLatest
}
