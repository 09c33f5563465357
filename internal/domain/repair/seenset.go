package repair

import "encoding/json"

// SeenSet is a bounded FIFO set of error fingerprints that have already been
// handed to a repair session. It is the sole deduplication mechanism: a
// fingerprint evicted by newer entries will be reprocessed if its error
// recurs. The set is owned by the repair service and persisted through the
// state store after every mutation; there is no process-wide singleton.
type SeenSet struct {
	limit int
	order []string
	index map[string]struct{}
}

// NewSeenSet creates an empty SeenSet holding at most limit fingerprints.
func NewSeenSet(limit int) *SeenSet {
	if limit < 1 {
		limit = 1
	}
	return &SeenSet{
		limit: limit,
		index: make(map[string]struct{}),
	}
}

// Contains reports whether fp is currently in the set.
func (s *SeenSet) Contains(fp string) bool {
	_, ok := s.index[fp]
	return ok
}

// Add inserts fp, evicting the oldest entry when the limit is exceeded.
// Adding an existing fingerprint is a no-op.
func (s *SeenSet) Add(fp string) {
	if s.Contains(fp) {
		return
	}
	s.order = append(s.order, fp)
	s.index[fp] = struct{}{}

	for len(s.order) > s.limit {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.index, oldest)
	}
}

// Len returns the number of fingerprints currently held.
func (s *SeenSet) Len() int { return len(s.order) }

// MarshalJSON encodes the set as an ordered list, oldest first.
func (s *SeenSet) MarshalJSON() ([]byte, error) {
	if s.order == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.order)
}

// UnmarshalJSON decodes an ordered list, keeping only the newest entries
// when the serialized form exceeds the limit.
func (s *SeenSet) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	if s.limit < 1 {
		s.limit = 1
	}
	s.order = nil
	s.index = make(map[string]struct{})
	for _, fp := range list {
		s.Add(fp)
	}
	return nil
}
