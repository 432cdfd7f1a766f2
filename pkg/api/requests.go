package api

// EditRequest is one raw write against the organize state.
type EditRequest struct {
	Op    string   `json:"op"` // SET, ADD or REMOVE
	Path  []string `json:"path"`
	Value any      `json:"value"`
}

// PrefRequest changes one preference. Op defaults to SET.
type PrefRequest struct {
	Op    string `json:"op,omitempty"`
	Value any    `json:"value"`
}

// PeerEditRequest sets a field below one peer, e.g. ["pinned"] or
// ["nicknames", "alice.local."].
type PeerEditRequest struct {
	Path  []string `json:"path"`
	Value any      `json:"value"`
}

// DescriptorRequest submits a descriptor in its wire form.
type DescriptorRequest struct {
	Descriptor string `json:"descriptor"`
}

// PeerAddrRequest names one peer address.
type PeerAddrRequest struct {
	IP string `json:"ip"`
}

// VerifyRequest verifies and pins the peer holding Hostname.
type VerifyRequest struct {
	Hostname string `json:"hostname"`
}

// PeerListParams represents query parameters for listing peers
type PeerListParams struct {
	Which string `json:"which,omitempty"` // all, enabled or disabled
}

// EventLogParams represents query parameters for the archived event log
type EventLogParams struct {
	Event      string `json:"event,omitempty"`
	ErrorsOnly bool   `json:"errors_only,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}
