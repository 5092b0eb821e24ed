// Package types defines the oneM2M wire-level vocabulary shared by all
// components: resource type codes, operations, permissions, response status
// codes, notification enumerations, and the request/response envelope.
//
// All enumerations carry their oneM2M numeric values so they can be
// marshalled directly into primitive content.
package types

// ResourceType is the oneM2M resource type code (m2m:resourceType).
type ResourceType int

// Resource type codes. Announced variants live at ty+10000 on the remote
// CSE; virtual resources use negative internal codes and are never stored.
const (
	ResourceTypeMixed         ResourceType = 0
	ResourceTypeACP           ResourceType = 1
	ResourceTypeAE            ResourceType = 2
	ResourceTypeContainer     ResourceType = 3
	ResourceTypeCIN           ResourceType = 4
	ResourceTypeCSEBase       ResourceType = 5
	ResourceTypeGroup         ResourceType = 9
	ResourceTypeNode          ResourceType = 14
	ResourceTypePCH           ResourceType = 15
	ResourceTypeCSR           ResourceType = 16
	ResourceTypeREQ           ResourceType = 17
	ResourceTypeSUB           ResourceType = 23
	ResourceTypeFlexContainer ResourceType = 28
	ResourceTypeTS            ResourceType = 29
	ResourceTypeTSI           ResourceType = 30
	ResourceTypeCRS           ResourceType = 48

	ResourceTypeContainerLatest ResourceType = -20001
	ResourceTypeContainerOldest ResourceType = -20002
	ResourceTypeTSLatest        ResourceType = -20003
	ResourceTypeTSOldest        ResourceType = -20004
)

// announcedTypeOffset separates a resource type from its announced variant.
const announcedTypeOffset = 10000

// Announced returns the type code of the announced variant of t.
func (t ResourceType) Announced() ResourceType {
	return t + announcedTypeOffset
}

// IsAnnounced reports whether t is an announced variant type code.
func (t ResourceType) IsAnnounced() bool {
	return t >= announcedTypeOffset
}

// IsVirtual reports whether t is a virtual resource type. Virtual
// resources are computed on access and never persisted.
func (t ResourceType) IsVirtual() bool {
	return t < 0
}

// IsInstance reports whether t is an instance resource (content instance
// or time-series instance). Instances are immutable after creation and
// cannot be announced without an announced parent.
func (t ResourceType) IsInstance() bool {
	return t == ResourceTypeCIN || t == ResourceTypeTSI
}

// ShortName returns the oneM2M short type prefix used as the primitive
// content key, e.g. "m2m:ae".
func (t ResourceType) ShortName() string {
	if n, ok := resourceTypeShortNames[t]; ok {
		return n
	}
	return "m2m:unknown"
}

var resourceTypeShortNames = map[ResourceType]string{
	ResourceTypeACP:             "m2m:acp",
	ResourceTypeAE:              "m2m:ae",
	ResourceTypeContainer:       "m2m:cnt",
	ResourceTypeCIN:             "m2m:cin",
	ResourceTypeCSEBase:         "m2m:cb",
	ResourceTypeGroup:           "m2m:grp",
	ResourceTypeNode:            "m2m:nod",
	ResourceTypePCH:             "m2m:pch",
	ResourceTypeCSR:             "m2m:csr",
	ResourceTypeREQ:             "m2m:req",
	ResourceTypeSUB:             "m2m:sub",
	ResourceTypeFlexContainer:   "m2m:fcnt",
	ResourceTypeTS:              "m2m:ts",
	ResourceTypeTSI:             "m2m:tsi",
	ResourceTypeCRS:             "m2m:crs",
	ResourceTypeContainerLatest: "m2m:latest",
	ResourceTypeContainerOldest: "m2m:oldest",
	ResourceTypeTSLatest:        "m2m:latest",
	ResourceTypeTSOldest:        "m2m:oldest",
}

func (t ResourceType) String() string {
	switch t {
	case ResourceTypeACP:
		return "ACP"
	case ResourceTypeAE:
		return "AE"
	case ResourceTypeContainer:
		return "CNT"
	case ResourceTypeCIN:
		return "CIN"
	case ResourceTypeCSEBase:
		return "CSEBase"
	case ResourceTypeGroup:
		return "GRP"
	case ResourceTypeNode:
		return "NOD"
	case ResourceTypePCH:
		return "PCH"
	case ResourceTypeCSR:
		return "CSR"
	case ResourceTypeREQ:
		return "REQ"
	case ResourceTypeSUB:
		return "SUB"
	case ResourceTypeFlexContainer:
		return "FCNT"
	case ResourceTypeTS:
		return "TS"
	case ResourceTypeTSI:
		return "TSI"
	case ResourceTypeCRS:
		return "CRS"
	case ResourceTypeContainerLatest, ResourceTypeTSLatest:
		return "latest"
	case ResourceTypeContainerOldest, ResourceTypeTSOldest:
		return "oldest"
	default:
		if t.IsAnnounced() {
			return (t - announcedTypeOffset).String() + "Annc"
		}
		return "mixed"
	}
}

// Operation is the oneM2M request operation (m2m:operation).
type Operation int

const (
	OperationCreate   Operation = 1
	OperationRetrieve Operation = 2
	OperationUpdate   Operation = 3
	OperationDelete   Operation = 4
	OperationNotify   Operation = 5
)

func (o Operation) String() string {
	switch o {
	case OperationCreate:
		return "CREATE"
	case OperationRetrieve:
		return "RETRIEVE"
	case OperationUpdate:
		return "UPDATE"
	case OperationDelete:
		return "DELETE"
	case OperationNotify:
		return "NOTIFY"
	default:
		return "UNKNOWN"
	}
}

// Permission returns the access-control permission an operation requires.
func (o Operation) Permission() Permission {
	switch o {
	case OperationCreate:
		return PermissionCreate
	case OperationRetrieve:
		return PermissionRetrieve
	case OperationUpdate:
		return PermissionUpdate
	case OperationDelete:
		return PermissionDelete
	case OperationNotify:
		return PermissionNotify
	default:
		return PermissionNone
	}
}

// Permission is the oneM2M access-control operation bitmask
// (m2m:accessControlOperations).
type Permission int

const (
	PermissionNone      Permission = 0
	PermissionCreate    Permission = 1
	PermissionRetrieve  Permission = 2
	PermissionUpdate    Permission = 4
	PermissionDelete    Permission = 8
	PermissionNotify    Permission = 16
	PermissionDiscovery Permission = 32
	PermissionAll       Permission = 63
)

// Has reports whether p includes all bits of q.
func (p Permission) Has(q Permission) bool {
	return p&q == q
}

func (p Permission) String() string {
	if p == PermissionAll {
		return "ALL"
	}
	names := ""
	add := func(bit Permission, name string) {
		if p&bit != 0 {
			if names != "" {
				names += "+"
			}
			names += name
		}
	}
	add(PermissionCreate, "CREATE")
	add(PermissionRetrieve, "RETRIEVE")
	add(PermissionUpdate, "UPDATE")
	add(PermissionDelete, "DELETE")
	add(PermissionNotify, "NOTIFY")
	add(PermissionDiscovery, "DISCOVERY")
	if names == "" {
		return "NONE"
	}
	return names
}

// NotificationEventType enumerates subscription trigger conditions
// (m2m:notificationEventType, the "net" attribute).
type NotificationEventType int

const (
	NetResourceUpdate              NotificationEventType = 1
	NetResourceDelete              NotificationEventType = 2
	NetCreateDirectChild           NotificationEventType = 3
	NetDeleteDirectChild           NotificationEventType = 4
	NetRetrieveContainerNoChild    NotificationEventType = 5
	NetTriggerReceivedForAE        NotificationEventType = 6
	NetBlockingUpdate              NotificationEventType = 7
	NetReportOnMissingDataPoints   NotificationEventType = 8
	NetBlockingRetrieve            NotificationEventType = 9
	NetBlockingRetrieveDirectChild NotificationEventType = 10
)

func (n NotificationEventType) String() string {
	switch n {
	case NetResourceUpdate:
		return "resourceUpdate"
	case NetResourceDelete:
		return "resourceDelete"
	case NetCreateDirectChild:
		return "createDirectChild"
	case NetDeleteDirectChild:
		return "deleteDirectChild"
	case NetRetrieveContainerNoChild:
		return "retrieveContainerNoChild"
	case NetTriggerReceivedForAE:
		return "triggerReceivedForAE"
	case NetBlockingUpdate:
		return "blockingUpdate"
	case NetReportOnMissingDataPoints:
		return "reportOnGeneratedMissingDataPoints"
	case NetBlockingRetrieve:
		return "blockingRetrieve"
	case NetBlockingRetrieveDirectChild:
		return "blockingRetrieveDirectChild"
	default:
		return "unknown"
	}
}

// NotificationContentType selects the representation carried in a
// notification (m2m:notificationContentType, the "nct" attribute).
type NotificationContentType int

const (
	NctAll                    NotificationContentType = 1
	NctModifiedAttributes     NotificationContentType = 2
	NctRI                     NotificationContentType = 3
	NctTriggerPayload         NotificationContentType = 4
	NctTimeSeriesNotification NotificationContentType = 5
)

// TimeWindowType selects the aggregation window of a cross-resource
// subscription (m2m:timeWindowType, the "twt" attribute).
type TimeWindowType int

const (
	TimeWindowPeriodic TimeWindowType = 1
	TimeWindowSliding  TimeWindowType = 2
)

// RequestStatus is the processing state of a <request> resource
// (m2m:requestStatus, the "rs" attribute).
type RequestStatus int

const (
	RequestStatusCompleted          RequestStatus = 1
	RequestStatusFailed             RequestStatus = 2
	RequestStatusPending            RequestStatus = 3
	RequestStatusForwarded          RequestStatus = 4
	RequestStatusPartiallyCompleted RequestStatus = 5
)

// EventCategory tags outgoing requests (m2m:eventCat). Only "latest" is
// produced by this CSE, on batch sends that carry the latest-only flag.
type EventCategory int

const (
	EventCategoryImmediate  EventCategory = 2
	EventCategoryBestEffort EventCategory = 3
	EventCategoryLatest     EventCategory = 4
)

// FilterUsage discriminates discovery from conditional retrieval
// (m2m:filterUsage, the "fu" filter criterion).
type FilterUsage int

const (
	FilterUsageDiscovery            FilterUsage = 1
	FilterUsageConditionalRetrieval FilterUsage = 2
)

// FilterOperation combines multiple filter criteria (m2m:filterOperation).
type FilterOperation int

const (
	FilterOperationAND FilterOperation = 1
	FilterOperationOR  FilterOperation = 2
)

// ResultContent selects the response payload shape (m2m:resultContent).
type ResultContent int

const (
	ResultContentNothing            ResultContent = 0
	ResultContentAttributes         ResultContent = 1
	ResultContentHierarchicalAddr   ResultContent = 2
	ResultContentAttributesAndChild ResultContent = 4
	ResultContentChildResourceRefs  ResultContent = 6
)

// OriginatorAll is the acor keyword granting access to every originator.
const OriginatorAll = "all"
