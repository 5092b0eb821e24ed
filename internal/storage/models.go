package storage

import (
	"encoding/json"
	"time"

	"github.com/piwi3910/cseweave/internal/types"
)

// IdentifierRecord maps a resource identifier to its name, structured
// name and type. It backs structured-name resolution without touching
// the resource documents themselves.
type IdentifierRecord struct {
	// RI is the unstructured resource identifier
	RI string `json:"ri"`

	// RN is the resource name
	RN string `json:"rn"`

	// SRN is the structured resource name, e.g. "cse-in/sensor/data"
	SRN string `json:"srn"`

	// Type is the numeric resource type
	Type types.ResourceType `json:"ty"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis storage.
func (r *IdentifierRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis storage.
func (r *IdentifierRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, r)
}

// SubscriptionRecord is the flattened form of a subscription resource
// kept for the notification path, so matching an event against its
// criteria needs no resource lookup.
//
// Example:
//
//	rec := &SubscriptionRecord{
//	    RI:               "sub001",
//	    PI:               "cnt001",
//	    NotificationURIs: []string{"https://ae.example.com/notify"},
//	    EventTypes:       []types.NotificationEventType{types.NetCreateDirectChild},
//	    ContentType:      types.NctAll,
//	}
type SubscriptionRecord struct {
	// RI is the subscription's own resource identifier
	RI string `json:"ri"`

	// PI identifies the subscribed-to resource
	PI string `json:"pi"`

	// NotificationURIs are the nu targets
	NotificationURIs []string `json:"nus,omitempty"`

	// EventTypes are the enc/net criteria; empty means resource-update only
	EventTypes []types.NotificationEventType `json:"net,omitempty"`

	// ChildTypes are the enc/chty criteria for child events
	ChildTypes []types.ResourceType `json:"chty,omitempty"`

	// Attributes are the enc/atr criteria for update events
	Attributes []string `json:"atr,omitempty"`

	// ContentType selects the notification rendering (nct)
	ContentType types.NotificationContentType `json:"nct,omitempty"`

	// BatchSize is bn/num; zero means no batching
	BatchSize int64 `json:"bn,omitempty"`

	// BatchDuration is bn/dur; zero means no duration guard
	BatchDuration time.Duration `json:"bdur,omitempty"`

	// LatestNotify keeps only the newest pending notification (ln)
	LatestNotify bool `json:"ln,omitempty"`

	// ExpirationCounter is the remaining exc budget; zero means unlimited
	ExpirationCounter int64 `json:"exc,omitempty"`

	// SubscriberURI receives the deletion notification (su)
	SubscriberURI string `json:"su,omitempty"`

	// CrossResourceIDs lists the <crossResourceSubscription> resources
	// fed by this subscription (acrs)
	CrossResourceIDs []string `json:"acrs,omitempty"`

	// Creator is the cr attribute when present
	Creator string `json:"cr,omitempty"`

	// Originator registered the subscription; its own child notifications
	// are suppressed
	Originator string `json:"org,omitempty"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis storage.
func (r *SubscriptionRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis storage.
func (r *SubscriptionRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, r)
}

// Clone returns a deep copy of the record.
func (r *SubscriptionRecord) Clone() *SubscriptionRecord {
	out := *r
	out.NotificationURIs = append([]string(nil), r.NotificationURIs...)
	out.EventTypes = append([]types.NotificationEventType(nil), r.EventTypes...)
	out.ChildTypes = append([]types.ResourceType(nil), r.ChildTypes...)
	out.Attributes = append([]string(nil), r.Attributes...)
	out.CrossResourceIDs = append([]string(nil), r.CrossResourceIDs...)
	return &out
}

// WantsEventType reports whether the record's criteria include net.
// With no net criteria only resource updates are delivered.
func (r *SubscriptionRecord) WantsEventType(net types.NotificationEventType) bool {
	if len(r.EventTypes) == 0 {
		return net == types.NetResourceUpdate
	}
	for _, t := range r.EventTypes {
		if t == net {
			return true
		}
	}
	return false
}

// WantsChildType reports whether a child of type ty passes the chty
// criteria. An empty criteria list admits every type.
func (r *SubscriptionRecord) WantsChildType(ty types.ResourceType) bool {
	if len(r.ChildTypes) == 0 {
		return true
	}
	for _, t := range r.ChildTypes {
		if t == ty {
			return true
		}
	}
	return false
}

// WantsAttribute reports whether a modified attribute passes the atr
// criteria. An empty criteria list admits every attribute.
func (r *SubscriptionRecord) WantsAttribute(name string) bool {
	if len(r.Attributes) == 0 {
		return true
	}
	for _, a := range r.Attributes {
		if a == name {
			return true
		}
	}
	return false
}

// Batching reports whether notifications for this record are collected
// into batches rather than sent one by one.
func (r *SubscriptionRecord) Batching() bool {
	return r.BatchSize > 0 || r.BatchDuration > 0
}

// BatchNotificationRecord is one pending notification inside a batch,
// keyed by the subscription and the notification target it is for.
type BatchNotificationRecord struct {
	// RI is the subscription's resource identifier
	RI string `json:"ri"`

	// NotificationURI is the target the batch will be sent to
	NotificationURI string `json:"nu"`

	// Tstamp records when the notification was added
	Tstamp time.Time `json:"tstamp"`

	// Notification is the serialised m2m:sgn body
	Notification types.JSON `json:"notification"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis storage.
func (r *BatchNotificationRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis storage.
func (r *BatchNotificationRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, r)
}

// Clone returns a deep copy of the record.
func (r *BatchNotificationRecord) Clone() *BatchNotificationRecord {
	out := *r
	out.Notification = copyDocument(r.Notification)
	return &out
}

// Statistics is the CSE counter singleton, persisted periodically and
// across restarts.
type Statistics struct {
	// CreatedResources counts successful CREATE operations
	CreatedResources uint64 `json:"createdResources"`

	// UpdatedResources counts successful UPDATE operations
	UpdatedResources uint64 `json:"updatedResources"`

	// RetrievedResources counts successful RETRIEVE operations
	RetrievedResources uint64 `json:"retrievedResources"`

	// DeletedResources counts successful DELETE operations
	DeletedResources uint64 `json:"deletedResources"`

	// ExpiredResources counts resources removed by the expiration sweep
	ExpiredResources uint64 `json:"expiredResources"`

	// NotificationsSent counts successfully delivered notifications
	NotificationsSent uint64 `json:"notificationsSent"`

	// StartTime is when the CSE first came up with this store
	StartTime time.Time `json:"startTime"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis storage.
func (s *Statistics) MarshalBinary() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis storage.
func (s *Statistics) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, s)
}
