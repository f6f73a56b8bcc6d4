package dvbmux

// TableStats is a point-in-time view of one section filter, suitable for
// status endpoints and scheduling decisions.
type TableStats struct {
	Name       string
	PID        int
	TableID    uint8
	Mask       uint8
	Matches    uint64
	Subscribed bool
	Complete   bool
	Working    bool
	Type       Type
}

// Snapshot returns per-table stats for every live table, in registration
// order.
func (mm *Mux) Snapshot() []TableStats {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	stats := make([]TableStats, 0, len(mm.tables))
	for _, t := range mm.tables {
		stats = append(stats, TableStats{
			Name:       t.name,
			PID:        t.pid,
			TableID:    t.tableID,
			Mask:       t.mask,
			Matches:    t.Matches(),
			Subscribed: t.subscribed,
			Complete:   t.complete,
			Working:    t.working,
			Type:       t.Type(),
		})
	}
	return stats
}
