package orchestrator

// seenSet is a bounded set of already-processed event ids. Once it exceeds
// maxEntries it is trimmed to half its size, evicting the least recently
// added ids. It is not safe for concurrent use; the owner serializes access.
type seenSet struct {
	ids        map[string]bool
	order      []string
	maxEntries int
}

func newSeenSet(maxEntries int) *seenSet {
	return &seenSet{
		ids:        make(map[string]bool),
		maxEntries: maxEntries,
	}
}

// Add inserts an id, returning false when it was already present.
func (s *seenSet) Add(id string) bool {
	if s.ids[id] {
		return false
	}
	s.ids[id] = true
	s.order = append(s.order, id)

	if len(s.order) > s.maxEntries {
		half := len(s.order) / 2
		for _, old := range s.order[:half] {
			delete(s.ids, old)
		}
		s.order = append([]string(nil), s.order[half:]...)
	}
	return true
}

// Len returns the number of tracked ids.
func (s *seenSet) Len() int {
	return len(s.order)
}
