package scheduler

// Snapshot reports registered schedules and their run counters.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defs := make([]scheduleDef, len(s.defs))
	copy(defs, s.defs)
	c := s.c
	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	s.mu.Unlock()

	items := make([]ScheduleInfo, 0, len(defs))
	for _, d := range defs {
		it := ScheduleInfo{Name: d.name, Spec: d.spec, Timeout: d.opt.Timeout}
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		d.stats.mu.Lock()
		it.Runs = d.stats.runs
		it.Skips = d.stats.skips
		it.Failures = d.stats.failures
		it.LastRun = d.stats.lastRun
		it.LastDur = d.stats.lastDur
		it.LastError = d.stats.lastError
		d.stats.mu.Unlock()
		items = append(items, it)
	}
	return Snapshot{Running: c != nil, Timezone: loc.String(), Schedules: items}
}
