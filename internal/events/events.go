package events

import (
	"github.com/piwi3910/cseweave/internal/resource"
	"github.com/piwi3910/cseweave/internal/types"
)

// Resource lifecycle events fired by the dispatcher. The subscription
// manager listens on all of them; the announcement and statistics managers
// listen on a subset.
const (
	// CreateLocalResource fires after a resource is committed by CREATE.
	CreateLocalResource = "createLocalResource"

	// UpdateLocalResource fires after a resource is committed by UPDATE.
	UpdateLocalResource = "updateLocalResource"

	// DeleteLocalResource fires after a resource is removed by DELETE.
	DeleteLocalResource = "deleteLocalResource"

	// CreateDirectChild fires on the creation of a resource, addressed to
	// subscriptions on its parent.
	CreateDirectChild = "createDirectChild"

	// DeleteDirectChild fires on the deletion of a resource, addressed to
	// subscriptions on its parent.
	DeleteDirectChild = "deleteDirectChild"

	// ExpireResource fires when the expiration sweep removes a resource.
	ExpireResource = "expireResource"

	// BlockingUpdate and BlockingRetrieve fire when the dispatcher holds a
	// request for a blocking subscription.
	BlockingUpdate   = "blockingUpdate"
	BlockingRetrieve = "blockingRetrieve"

	// ReportMissingDataPoints fires when missing-data monitoring of a
	// time series crosses its reporting threshold.
	ReportMissingDataPoints = "reportOnGeneratedMissingDataPoints"

	// RetrieveLocalResource fires after a successful RETRIEVE; only the
	// statistics manager listens.
	RetrieveLocalResource = "retrieveLocalResource"

	// NotificationSent fires after a notification is delivered.
	NotificationSent = "notificationSent"
)

// Registration events fired when entities attach to or detach from the CSE.
const (
	AERegistered          = "aeHasRegistered"
	AEDeregistered        = "aeHasDeregistered"
	RemoteCSERegistered   = "remoteCSEHasRegistered"
	RemoteCSEDeregistered = "remoteCSEHasDeregistered"
)

// ResourceEvent is the payload of resource lifecycle and registration
// events. For child events Resource is the created or deleted child.
type ResourceEvent struct {
	// Resource is the resource the event concerns.
	Resource *resource.Resource

	// ModifiedAttributes holds the request delta for update events, keyed
	// by short attribute name. Nil for other events.
	ModifiedAttributes types.JSON

	// Originator is the originator of the request that caused the event.
	Originator string
}
