package sdc

import "encoding/json"

// Snak kinds. Only "value" snaks carry a datavalue.
const (
	SnakValue   = "value"
	SnakNoValue = "novalue"
	SnakSome    = "somevalue"
)

// Statement ranks.
const (
	RankPreferred  = "preferred"
	RankNormal     = "normal"
	RankDeprecated = "deprecated"
)

// Snak is a typed property-value assertion. Hash is assigned by the server
// and carried verbatim; it never participates in equality.
type Snak struct {
	SnakType  string     `json:"snaktype"`
	Property  string     `json:"property"`
	Hash      string     `json:"hash,omitempty"`
	DataValue *DataValue `json:"datavalue,omitempty"`
}

// ValueEqual reports whether two snaks assert the same value: same
// property and structurally equal datavalues. Hashes are ignored.
func (s Snak) ValueEqual(other Snak) bool {
	if s.Property != other.Property {
		return false
	}
	if s.DataValue == nil || other.DataValue == nil {
		return s.DataValue == other.DataValue && s.SnakType == other.SnakType
	}
	return s.DataValue.Equal(*other.DataValue)
}

// stripped returns a copy of the snak without its server hash.
func (s Snak) stripped() Snak {
	s.Hash = ""
	return s
}

// Reference is a set of source snaks grouped by property, with an explicit
// property order.
type Reference struct {
	Hash       string            `json:"hash,omitempty"`
	Snaks      map[string][]Snak `json:"snaks"`
	SnaksOrder []string          `json:"snaks-order,omitempty"`
}

// StructuralEqual reports whether two references carry the same snaks in
// the same property order, comparing snaks by value.
func (r Reference) StructuralEqual(other Reference) bool {
	if len(r.SnaksOrder) != len(other.SnaksOrder) {
		return false
	}
	for i, prop := range r.SnaksOrder {
		if other.SnaksOrder[i] != prop {
			return false
		}
	}
	if len(r.Snaks) != len(other.Snaks) {
		return false
	}
	for prop, snaks := range r.Snaks {
		otherSnaks, ok := other.Snaks[prop]
		if !ok || len(snaks) != len(otherSnaks) {
			return false
		}
		for i := range snaks {
			if !snaks[i].ValueEqual(otherSnaks[i]) {
				return false
			}
		}
	}
	return true
}

// Statement is a mainsnak plus optional qualifiers, references, rank and
// server-assigned id.
type Statement struct {
	MainSnak        Snak              `json:"mainsnak"`
	Type            string            `json:"type,omitempty"`
	ID              string            `json:"id,omitempty"`
	Rank            string            `json:"rank,omitempty"`
	Qualifiers      map[string][]Snak `json:"qualifiers,omitempty"`
	QualifiersOrder []string          `json:"qualifiers-order,omitempty"`
	References      []Reference       `json:"references,omitempty"`
}

// stripServer returns a deep copy without the statement id or any snak
// hashes, the form used when submitting a brand new statement.
func (s Statement) stripServer() Statement {
	out := s
	out.ID = ""
	out.MainSnak = s.MainSnak.stripped()
	if s.Qualifiers != nil {
		out.Qualifiers = make(map[string][]Snak, len(s.Qualifiers))
		for prop, snaks := range s.Qualifiers {
			cp := make([]Snak, len(snaks))
			for i, sn := range snaks {
				cp[i] = sn.stripped()
			}
			out.Qualifiers[prop] = cp
		}
	}
	if s.QualifiersOrder != nil {
		out.QualifiersOrder = append([]string(nil), s.QualifiersOrder...)
	}
	if s.References != nil {
		out.References = make([]Reference, len(s.References))
		for i, ref := range s.References {
			cp := Reference{Snaks: make(map[string][]Snak, len(ref.Snaks))}
			for prop, snaks := range ref.Snaks {
				snakCopies := make([]Snak, len(snaks))
				for j, sn := range snaks {
					snakCopies[j] = sn.stripped()
				}
				cp.Snaks[prop] = snakCopies
			}
			cp.SnaksOrder = append([]string(nil), ref.SnaksOrder...)
			out.References[i] = cp
		}
	}
	return out
}

// ParseStatements parses a serialized claim list.
func ParseStatements(data []byte) ([]Statement, error) {
	var out []Statement
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SerializeStatements serializes a claim list, preserving every field that
// was present when parsed, including server hashes and ids.
func SerializeStatements(statements []Statement) ([]byte, error) {
	return json.Marshal(statements)
}
