package irr

import "sort"

// PrefixSet holds deduplicated IPv4 and IPv6 CIDR prefixes as reported by
// the registries. Entries are kept verbatim apart from whitespace trimming
// during parsing; no aggregation or normalization is applied.
type PrefixSet struct {
	v4 map[string]struct{}
	v6 map[string]struct{}
}

func NewPrefixSet() *PrefixSet {
	return &PrefixSet{
		v4: make(map[string]struct{}),
		v6: make(map[string]struct{}),
	}
}

// PrefixSetFrom builds a PrefixSet from prefix slices, discarding duplicates.
func PrefixSetFrom(v4, v6 []string) *PrefixSet {
	s := NewPrefixSet()
	for _, p := range v4 {
		s.AddV4(p)
	}
	for _, p := range v6 {
		s.AddV6(p)
	}
	return s
}

func (s *PrefixSet) AddV4(prefix string) {
	if prefix != "" {
		s.v4[prefix] = struct{}{}
	}
}

func (s *PrefixSet) AddV6(prefix string) {
	if prefix != "" {
		s.v6[prefix] = struct{}{}
	}
}

// Union folds the other set into s. Union is commutative and idempotent, so
// the merge result is independent of the order sources respond in.
func (s *PrefixSet) Union(other *PrefixSet) {
	if other == nil {
		return
	}
	for p := range other.v4 {
		s.v4[p] = struct{}{}
	}
	for p := range other.v6 {
		s.v6[p] = struct{}{}
	}
}

// V4 returns the IPv4 prefixes as a sorted slice.
func (s *PrefixSet) V4() []string {
	return sortedKeys(s.v4)
}

// V6 returns the IPv6 prefixes as a sorted slice.
func (s *PrefixSet) V6() []string {
	return sortedKeys(s.v6)
}

func (s *PrefixSet) ContainsV4(prefix string) bool {
	_, ok := s.v4[prefix]
	return ok
}

func (s *PrefixSet) ContainsV6(prefix string) bool {
	_, ok := s.v6[prefix]
	return ok
}

func (s *PrefixSet) SizeV4() int { return len(s.v4) }
func (s *PrefixSet) SizeV6() int { return len(s.v6) }

func (s *PrefixSet) Empty() bool {
	return len(s.v4) == 0 && len(s.v6) == 0
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
