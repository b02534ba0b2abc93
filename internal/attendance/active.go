package attendance

// FilterActive keeps the records of users whose last action of the table, in
// timestamp order, is a join. With ignoreInactive false every record is kept.
// Input order is preserved.
func FilterActive(records []Record, ignoreInactive bool) []Record {
	if !ignoreInactive {
		return records
	}
	last := lastBy(records, func(r Record) string { return r.User })
	kept := make([]Record, 0, len(records))
	for _, r := range records {
		if last[r.User].Action.IsJoin() {
			kept = append(kept, r)
		}
	}
	return kept
}

// lastBy returns, per key, the record with the latest timestamp. Equal
// timestamps resolve to the later record in input order.
func lastBy[K comparable](records []Record, key func(Record) K) map[K]Record {
	last := make(map[K]Record)
	for _, r := range records {
		k := key(r)
		prev, ok := last[k]
		if !ok || !r.Timestamp.Before(prev.Timestamp) {
			last[k] = r
		}
	}
	return last
}
