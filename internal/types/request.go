package types

// JSON is a free-form primitive content document.
type JSON = map[string]any

// Request is the oneM2M request primitive envelope consumed at the system
// boundary. Field tags carry the oneM2M short names used on the wire.
type Request struct {
	Operation      Operation       `json:"op"`
	Target         string          `json:"to"`
	Originator     string          `json:"fr,omitempty"`
	RequestID      string          `json:"rqi"`
	ReleaseVersion string          `json:"rvi,omitempty"`
	Type           ResourceType    `json:"ty,omitempty"`
	Content        JSON            `json:"pc,omitempty"`
	ResultContent  ResultContent   `json:"rcn,omitempty"`
	Filter         *FilterCriteria `json:"fc,omitempty"`

	// ResponseType is the "rt" parameter. Zero means blocking.
	ResponseType ResponseTypeValue `json:"rt,omitempty"`

	// OriginatingTimestamp is the "ot" parameter, assigned by the sender.
	OriginatingTimestamp string `json:"ot,omitempty"`

	// EventCategory is the "ec" parameter; the CSE emits it on aggregated
	// batch sends carrying only the latest notification.
	EventCategory EventCategory `json:"ec,omitempty"`

	// MaxAge carries the "ma" request parameter consulted by blocking
	// retrieve subscriptions. Empty means the subscription's own maxAge
	// applies.
	MaxAge string `json:"ma,omitempty"`
}

// IsDiscovery reports whether the request is a discovery, i.e. a RETRIEVE
// with filterUsage set to discovery criteria.
func (r *Request) IsDiscovery() bool {
	return r.Operation == OperationRetrieve && r.Filter != nil && r.Filter.FilterUsage == FilterUsageDiscovery
}

// Blocking reports whether the requester waits for the operation result.
func (r *Request) Blocking() bool {
	switch r.ResponseType {
	case ResponseTypeNonBlockingSync, ResponseTypeNonBlockingAsync:
		return false
	default:
		return true
	}
}

// ResponseTypeValue is the "rt" request parameter
// (m2m:responseTypeValue).
type ResponseTypeValue int

const (
	ResponseTypeNonBlockingSync  ResponseTypeValue = 1
	ResponseTypeNonBlockingAsync ResponseTypeValue = 2
	ResponseTypeBlocking         ResponseTypeValue = 3
)

// Response is the oneM2M response primitive envelope.
type Response struct {
	RSC            ResponseStatusCode `json:"rsc"`
	RequestID      string             `json:"rqi,omitempty"`
	ReleaseVersion string             `json:"rvi,omitempty"`
	From           string             `json:"fr,omitempty"`
	To             string             `json:"to,omitempty"`
	Content        JSON               `json:"pc,omitempty"`
	OriginatingTimestamp string       `json:"ot,omitempty"`
}

// FilterCriteria carries the discovery and conditional-retrieval filter
// attributes ("fc" in a request).
type FilterCriteria struct {
	FilterUsage     FilterUsage     `json:"fu,omitempty"`
	FilterOperation FilterOperation `json:"fo,omitempty"`

	ResourceTypes []ResourceType `json:"ty,omitempty"`
	Labels        []string       `json:"lbl,omitempty"`

	CreatedBefore   string `json:"crb,omitempty"`
	CreatedAfter    string `json:"cra,omitempty"`
	ModifiedSince   string `json:"ms,omitempty"`
	UnmodifiedSince string `json:"us,omitempty"`
	ExpireBefore    string `json:"exb,omitempty"`
	ExpireAfter     string `json:"exa,omitempty"`

	Level  int `json:"lvl,omitempty"`
	Limit  int `json:"lim,omitempty"`
	Offset int `json:"ofst,omitempty"`

	// Attributes holds exact-match criteria on arbitrary resource
	// attributes, e.g. {"api": "N.example"}.
	Attributes JSON `json:"atr,omitempty"`
}

// Matches reports whether the criteria accept a resource document. The
// caller supplies the common envelope values it indexes; free attributes
// are matched against the document itself.
func (fc *FilterCriteria) MatchLimitWindow(index int) bool {
	if fc == nil {
		return true
	}
	if fc.Offset > 0 && index < fc.Offset {
		return false
	}
	if fc.Limit > 0 && index >= fc.Offset+fc.Limit {
		return false
	}
	return true
}
