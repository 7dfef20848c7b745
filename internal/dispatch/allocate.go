package dispatch

import (
	"sort"

	"callsignal/internal/db"
)

// AllocateBudget splits budget claims across groups in proportion to their
// backlog. Groups are expected oldest backlog first. Every group gets at
// least one claim while the budget lasts, no group gets more than it has
// queued, and the leftover of the proportional split goes to the largest
// remainders.
func AllocateBudget(groups []db.QueueGroup, budget int) []int {
	alloc := make([]int, len(groups))
	if budget <= 0 || len(groups) == 0 {
		return alloc
	}

	var total int64
	for _, g := range groups {
		if g.QueuedCount > 0 {
			total += g.QueuedCount
		}
	}
	if total <= int64(budget) {
		for i, g := range groups {
			if g.QueuedCount > 0 {
				alloc[i] = int(g.QueuedCount)
			}
		}
		return alloc
	}

	left := budget
	var demand int64
	for i, g := range groups {
		if g.QueuedCount <= 0 {
			continue
		}
		if left > 0 {
			alloc[i] = 1
			left--
		}
		demand += g.QueuedCount - int64(alloc[i])
	}
	if left == 0 || demand == 0 {
		return alloc
	}

	type share struct {
		idx       int
		remainder int64
	}
	shares := make([]share, 0, len(groups))
	given := 0
	for i, g := range groups {
		want := g.QueuedCount - int64(alloc[i])
		if want <= 0 {
			continue
		}
		num := int64(left) * want
		n := int(num / demand)
		alloc[i] += n
		given += n
		shares = append(shares, share{idx: i, remainder: num % demand})
	}

	sort.SliceStable(shares, func(a, b int) bool {
		return shares[a].remainder > shares[b].remainder
	})
	for _, s := range shares {
		if given >= left {
			break
		}
		if int64(alloc[s.idx]) < groups[s.idx].QueuedCount {
			alloc[s.idx]++
			given++
		}
	}
	return alloc
}
