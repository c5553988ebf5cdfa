package protocol

import "strings"

// PairKey identifies a private conversation by its unordered user pair.
// A and B are always in lexicographic order.
type PairKey struct {
	A, B string
}

// NewPairKey canonicalizes the pair.
func NewPairKey(u1, u2 string) PairKey {
	if u2 < u1 {
		u1, u2 = u2, u1
	}
	return PairKey{A: u1, B: u2}
}

// String renders the on-disk key: a JSON array of the two names.
// Unlike the legacy "a_b" form it is unambiguous for names containing
// underscores.
func (k PairKey) String() string {
	data, _ := json.Marshal([2]string{k.A, k.B})
	return string(data)
}

// Other returns the peer of the given user, or "" if the user is not in
// the pair.
func (k PairKey) Other(user string) string {
	switch user {
	case k.A:
		return k.B
	case k.B:
		return k.A
	}
	return ""
}

// Contains reports whether user is one of the two peers.
func (k PairKey) Contains(user string) bool {
	return user == k.A || user == k.B
}

// ParsePairKey reads an on-disk key. The JSON-array form is preferred;
// the legacy "a_b" form (split on the first underscore) is accepted as a
// read-compatibility shim for data written by earlier revisions.
func ParsePairKey(s string) (PairKey, bool) {
	if strings.HasPrefix(s, "[") {
		var pair [2]string
		if err := json.Unmarshal([]byte(s), &pair); err != nil {
			return PairKey{}, false
		}
		if pair[0] == "" || pair[1] == "" {
			return PairKey{}, false
		}
		return NewPairKey(pair[0], pair[1]), true
	}
	i := strings.Index(s, "_")
	if i <= 0 || i == len(s)-1 {
		return PairKey{}, false
	}
	return NewPairKey(s[:i], s[i+1:]), true
}
