package meter

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"time"
)

// ExportUsageJSON writes matching events as a JSON array with masked keys.
func (m *Meter) ExportUsageJSON(w io.Writer, q UsageQuery) error {
	events := m.QueryUsage(q)
	out := make([]UsageEvent, len(events))
	for i, ev := range events {
		out[i] = ev.Masked()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

var usageCSVHeader = []string{
	"time", "callId", "key", "tool", "backend", "credits",
	"durationMs", "allowed", "reason", "shadow", "refunded",
}

// ExportUsageCSV writes matching events as CSV with masked keys.
func (m *Meter) ExportUsageCSV(w io.Writer, q UsageQuery) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(usageCSVHeader); err != nil {
		return err
	}
	for _, raw := range m.QueryUsage(q) {
		ev := raw.Masked()
		row := []string{
			ev.Time.UTC().Format("2006-01-02T15:04:05.000Z"),
			ev.CallID,
			ev.Key,
			ev.Tool,
			ev.Backend,
			strconv.FormatInt(ev.Credits, 10),
			strconv.FormatInt(ev.DurationMS, 10),
			strconv.FormatBool(ev.Allowed),
			ev.Reason,
			strconv.FormatBool(ev.Shadow),
			strconv.FormatBool(ev.Refunded),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportAuditJSON writes the full retained audit trail as a JSON array.
func (m *Meter) ExportAuditJSON(w io.Writer) error {
	events := m.QueryAudit(time.Time{}, time.Time{}, 0, 0)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(events)
}
