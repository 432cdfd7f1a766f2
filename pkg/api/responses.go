package api

import "time"

// HealthResponse represents the health check response
type HealthResponse struct {
	Status     string                     `json:"status"`
	Version    string                     `json:"version,omitempty"`
	ID         string                     `json:"id"`
	Hostname   string                     `json:"hostname"`
	Peers      int                        `json:"peers"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
}

// ComponentHealth is the health of one daemon component.
type ComponentHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ResultInfo summarizes one organize transaction.
type ResultInfo struct {
	ID             string    `json:"id"`
	Time           time.Time `json:"time"`
	Event          string    `json:"event"`
	Actions        []string  `json:"actions"`
	Triggers       []string  `json:"triggers,omitempty"`
	TriggerResults []string  `json:"trigger_results,omitempty"`
	Changed        bool      `json:"changed"`
	Error          string    `json:"error,omitempty"`
	ErrorCode      string    `json:"error_code,omitempty"`
	Summary        string    `json:"summary"`
	Line           string    `json:"line"`
}

// PeerInfo represents peer information for listing operations
type PeerInfo struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Hostname   string   `json:"hostname"`
	PrimaryIP  string   `json:"primary_ip"`
	Endpoint   string   `json:"endpoint"`
	EnabledIPs []string `json:"enabled_ips"`
	Names      []string `json:"names"`
	ValidFrom  int64    `json:"valid_from"`
	Enabled    bool     `json:"enabled"`
	Verified   bool     `json:"verified"`
	Pinned     bool     `json:"pinned"`
	Gateway    bool     `json:"use_as_gateway"`
}

// PeersListResponse represents the response for listing peers
type PeersListResponse struct {
	Peers      []PeerInfo `json:"peers"`
	TotalCount int        `json:"total_count"`
}

// PeerDetailResponse is one peer plus its human rendering.
type PeerDetailResponse struct {
	Peer PeerInfo `json:"peer"`
	Show string   `json:"show"`
}

// DescriptorResponse carries a descriptor in its wire form.
type DescriptorResponse struct {
	ID         string `json:"id"`
	Descriptor string `json:"descriptor"`
}

// OurDescriptorsResponse maps interface names to our signed descriptors.
type OurDescriptorsResponse struct {
	Descriptors map[string]string `json:"descriptors"`
}

// EventLogEntry is one archived result.
type EventLogEntry struct {
	Seq        int64      `json:"seq"`
	RecordedAt time.Time  `json:"recorded_at"`
	Result     ResultInfo `json:"result"`
}

// EventLogResponse lists archived results, oldest first.
type EventLogResponse struct {
	Entries []EventLogEntry `json:"entries"`
	Total   int64           `json:"total"`
}

// SyncResponse reports a full resync.
type SyncResponse struct {
	Message string `json:"message"`
	Peers   int    `json:"peers"`
}
