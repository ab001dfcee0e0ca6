package request

import "time"

// Group splits requests by grouping key, keeping first-seen order both
// between groups and within each group
func Group(reqs []Request) [][]Request {
	index := make(map[string]int)
	var groups [][]Request

	for _, r := range reqs {
		key := r.GroupKey()
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], r)
	}

	return groups
}

// MaxDelay returns the largest resynchronization delay among reqs
func MaxDelay(reqs []Request) time.Duration {
	var max time.Duration
	for _, r := range reqs {
		if d := r.ResyncDelay(); d > max {
			max = d
		}
	}
	return max
}

// AffectedFolders returns the distinct folder ids touched by reqs
func AffectedFolders(reqs []Request) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, r := range reqs {
		for _, id := range r.AffectedFolders() {
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}
