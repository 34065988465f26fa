// Package dataset names the refreshable datasets and sets of them.
package dataset

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

type Kind string

const (
	Local    Kind = "local"
	National Kind = "national"
	News     Kind = "news"
)

// All lists every kind in display order.
var All = []Kind{Local, National, News}

func (k Kind) Valid() bool {
	switch k {
	case Local, National, News:
		return true
	default:
		return false
	}
}

// IsCovid reports whether k is one of the statistics datasets.
func (k Kind) IsCovid() bool { return k == Local || k == National }

func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case "nation":
		return National, nil
	case Local, National, News:
		return k, nil
	}
	return "", fmt.Errorf("unknown dataset %q", s)
}

// Set is an unordered set of kinds. The zero value is empty and usable.
type Set map[Kind]struct{}

func NewSet(kinds ...Kind) Set {
	s := Set{}
	for _, k := range kinds {
		s.Add(k)
	}
	return s
}

func (s Set) Add(k Kind) {
	if k.Valid() {
		s[k] = struct{}{}
	}
}

func (s Set) Has(k Kind) bool {
	_, ok := s[k]
	return ok
}

func (s Set) Empty() bool { return len(s) == 0 }

// Kinds returns the members in All order.
func (s Set) Kinds() []Kind {
	out := make([]Kind, 0, len(s))
	for _, k := range All {
		if s.Has(k) {
			out = append(out, k)
		}
	}
	return out
}

func (s Set) Clone() Set {
	cp := make(Set, len(s))
	for k := range s {
		cp[k] = struct{}{}
	}
	return cp
}

func (s Set) String() string {
	ks := s.Kinds()
	parts := make([]string, len(ks))
	for i, k := range ks {
		parts[i] = string(k)
	}
	return strings.Join(parts, ",")
}

// ParseSet parses a comma separated selector. "covid" expands to local and
// national, "all" to every kind.
func ParseSet(raw string) (Set, error) {
	s := Set{}
	for _, part := range strings.Split(raw, ",") {
		p := strings.ToLower(strings.TrimSpace(part))
		switch p {
		case "":
			continue
		case "covid":
			s.Add(Local)
			s.Add(National)
		case "all":
			for _, k := range All {
				s.Add(k)
			}
		default:
			k, err := ParseKind(p)
			if err != nil {
				return nil, err
			}
			s.Add(k)
		}
	}
	if s.Empty() {
		return nil, fmt.Errorf("no dataset selected")
	}
	return s, nil
}

// Names returns the members as sorted strings.
func (s Set) Names() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, string(k))
	}
	sort.Strings(out)
	return out
}

// MarshalJSON encodes the set as an array in All order.
func (s Set) MarshalJSON() ([]byte, error) {
	ks := s.Kinds()
	out := make([]string, len(ks))
	for i, k := range ks {
		out[i] = string(k)
	}
	return json.Marshal(out)
}

func (s *Set) UnmarshalJSON(b []byte) error {
	var names []string
	if err := json.Unmarshal(b, &names); err != nil {
		return err
	}
	out := Set{}
	for _, n := range names {
		k, err := ParseKind(n)
		if err != nil {
			return err
		}
		out.Add(k)
	}
	*s = out
	return nil
}
