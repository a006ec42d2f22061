// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Budget allocator: maps the current topic set onto an ordered relay
// connection plan under a hard global connection budget.
package budget

import "sort"

// Tier ranks plan entries: the primary topic outranks depth-1 secondaries,
// which outrank depth-2 secondaries, which outrank everything deeper.
type Tier string

const (
	TierPrimary   Tier = "primary"
	TierSecondary Tier = "secondary"
	TierTertiary  Tier = "tertiary"
)

// Budgets holds the per-tier relay connection budgets.
type Budgets struct {
	Primary         int
	SecondaryDepth1 int
	SecondaryDepth2 int
	Tertiary        int
	TotalMax        int
}

// DefaultBudgets returns the standard tier budgets.
func DefaultBudgets() Budgets {
	return Budgets{
		Primary:         5,
		SecondaryDepth1: 4,
		SecondaryDepth2: 3,
		Tertiary:        3,
		TotalMax:        15,
	}
}

// Entry is one topic of the connection plan with its allocated relay budget.
// Entries that cannot be funded are excluded from the plan entirely; an
// included entry always has RelayBudget >= 1.
type Entry struct {
	Topic       string
	Tier        Tier
	Depth       int
	RelayBudget int
}

// Allocate computes the ordered connection plan: primary first, then depth-1
// secondaries, depth-2 secondaries, and finally depth>=3 tertiaries at one
// relay each. Topics within a depth group are sorted lexicographically before
// truncation so the plan is deterministic regardless of caller order.
// The sum of allocated budgets never exceeds b.TotalMax.
func Allocate(primary string, secondaries []string, b Budgets) []Entry {
	remaining := b.TotalMax
	var plan []Entry

	if primary != "" {
		alloc := b.Primary
		if alloc > remaining {
			alloc = remaining
		}
		if alloc > 0 {
			plan = append(plan, Entry{
				Topic:       primary,
				Tier:        TierPrimary,
				Depth:       len(primary),
				RelayBudget: alloc,
			})
			remaining -= alloc
		}
	}

	depth1, depth2, deeper := groupByDepth(primary, secondaries)

	plan, remaining = allocateGroup(plan, depth1, TierSecondary, b.SecondaryDepth1, remaining)
	plan, remaining = allocateGroup(plan, depth2, TierSecondary, b.SecondaryDepth2, remaining)

	// tertiary: one relay each, truncated to fit
	tierBudget := b.Tertiary
	if tierBudget > remaining {
		tierBudget = remaining
	}
	for i, topic := range deeper {
		if i >= tierBudget || remaining == 0 {
			break
		}
		plan = append(plan, Entry{
			Topic:       topic,
			Tier:        TierTertiary,
			Depth:       len(topic),
			RelayBudget: 1,
		})
		remaining--
	}

	return plan
}

// groupByDepth splits secondaries into depth-1, depth-2 and deeper groups,
// dropping duplicates and any entry equal to the primary topic. Each group is
// sorted lexicographically.
func groupByDepth(primary string, secondaries []string) (depth1, depth2, deeper []string) {
	seen := make(map[string]bool, len(secondaries))
	for _, topic := range secondaries {
		if topic == "" || topic == primary || seen[topic] {
			continue
		}
		seen[topic] = true
		switch len(topic) {
		case 1:
			depth1 = append(depth1, topic)
		case 2:
			depth2 = append(depth2, topic)
		default:
			deeper = append(deeper, topic)
		}
	}
	sort.Strings(depth1)
	sort.Strings(depth2)
	sort.Strings(deeper)
	return
}

// allocateGroup divides a tier budget evenly across the group (floor
// division, minimum 1 per allocated entry), truncating the group when more
// entries exist than the budget allows.
func allocateGroup(plan []Entry, topics []string, tier Tier, tierBudget, remaining int) ([]Entry, int) {
	if len(topics) == 0 || remaining == 0 || tierBudget == 0 {
		return plan, remaining
	}
	if tierBudget > remaining {
		tierBudget = remaining
	}
	count := len(topics)
	if count > tierBudget {
		count = tierBudget
	}
	per := tierBudget / count
	if per < 1 {
		per = 1
	}
	for _, topic := range topics[:count] {
		if remaining < per {
			per = remaining
		}
		if per == 0 {
			break
		}
		plan = append(plan, Entry{
			Topic:       topic,
			Tier:        tier,
			Depth:       len(topic),
			RelayBudget: per,
		})
		remaining -= per
	}
	return plan, remaining
}
