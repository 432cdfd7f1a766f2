package api

import (
	"github.com/ioerror/vula/internal/engine"
	"github.com/ioerror/vula/internal/eventlog"
	"github.com/ioerror/vula/internal/peer"
	"github.com/ioerror/vula/pkg/api"
)

func toPeerInfo(p *peer.Peer) api.PeerInfo {
	return api.PeerInfo{
		ID:         p.ID(),
		Name:       p.Name(),
		Hostname:   p.Descriptor.Hostname,
		PrimaryIP:  p.PrimaryIP().String(),
		Endpoint:   p.Endpoint(),
		EnabledIPs: p.EnabledIPStrings(),
		Names:      p.EnabledNames(),
		ValidFrom:  p.Descriptor.ValidFrom,
		Enabled:    p.Enabled,
		Verified:   p.Verified,
		Pinned:     p.Pinned,
		Gateway:    p.UseAsGateway,
	}
}

func toResultInfo(r *engine.Result) api.ResultInfo {
	return api.ResultInfo{
		ID:             r.ID,
		Time:           r.Time,
		Event:          r.Event.Name,
		Actions:        r.ActionNames(),
		Triggers:       r.TriggerNames(),
		TriggerResults: r.TriggerResults,
		Changed:        r.Changed,
		Error:          r.Error,
		ErrorCode:      r.ErrorCode,
		Summary:        r.Summary(),
		Line:           r.LogLine(),
	}
}

func toEventLogEntry(e eventlog.Entry) api.EventLogEntry {
	return api.EventLogEntry{Seq: e.Seq, RecordedAt: e.RecordedAt, Result: toResultInfo(e.Result)}
}
