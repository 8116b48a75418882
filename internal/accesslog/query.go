package accesslog

// QueryLogs scans the durable store and returns entries matching the
// filter, oldest first. Limit 0 means no cap.
func (l *Logger) QueryLogs(q Query) ([]Entry, error) {
	var out []Entry
	skipped := 0

	err := l.store.Scan(func(e Entry) bool {
		if !matches(&e, &q) {
			return true
		}
		if skipped < q.Offset {
			skipped++
			return true
		}
		out = append(out, e)
		return q.Limit <= 0 || len(out) < q.Limit
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func matches(e *Entry, q *Query) bool {
	if q.StartDate != nil && e.Timestamp.Before(*q.StartDate) {
		return false
	}
	if q.EndDate != nil && e.Timestamp.After(*q.EndDate) {
		return false
	}
	if q.SourceIP != "" && e.SourceIP != q.SourceIP {
		return false
	}
	if q.Action != "" && e.Action != q.Action {
		return false
	}
	if q.ThreatLevel != "" && !e.ThreatLevel.AtLeast(q.ThreatLevel) {
		return false
	}
	return true
}

// entriesInRange collects every stored entry inside the window.
func (l *Logger) entriesInRange(tr TimeRange) ([]Entry, error) {
	var out []Entry
	err := l.store.Scan(func(e Entry) bool {
		if tr.Contains(e.Timestamp) {
			out = append(out, e)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
