package sdc

// Merge reconciles a proposed claim list against the claims already on a
// page. Existing statements are emitted first, verbatim and in order; a
// proposed statement is appended (without server hash/id) only when no
// existing statement has a value-equal mainsnak.
//
// When a match exists, the existing statement wins wholesale: qualifiers
// and references from the proposal are NOT overlaid onto it. The asymmetry
// is deliberate — qualifier growth happens only on statements this tool
// itself introduces, never on statements a human may have edited.
func Merge(existing, proposed []Statement) []Statement {
	out := make([]Statement, 0, len(existing)+len(proposed))
	out = append(out, existing...)

	for _, s := range proposed {
		if hasMainSnakMatch(existing, s.MainSnak) {
			continue
		}
		out = append(out, s.stripServer())
	}
	return out
}

func hasMainSnakMatch(existing []Statement, mainsnak Snak) bool {
	for _, e := range existing {
		if e.MainSnak.ValueEqual(mainsnak) {
			return true
		}
	}
	return false
}

// MergeQualifiers grows a qualifier map with new snaks. Existing entries
// and their order are kept untouched; a new snak is dropped when a
// value-equal snak is already present under its property, appended to the
// property's list when the property exists, and otherwise added as a new
// property at the end of the order.
func MergeQualifiers(existing map[string][]Snak, existingOrder []string, newSnaks []Snak) (map[string][]Snak, []string) {
	merged := make(map[string][]Snak, len(existing))
	for prop, snaks := range existing {
		merged[prop] = append([]Snak(nil), snaks...)
	}
	order := append([]string(nil), existingOrder...)

	for _, n := range newSnaks {
		current, ok := merged[n.Property]
		if ok {
			if containsValueEqual(current, n) {
				continue
			}
			merged[n.Property] = append(current, n)
			continue
		}
		merged[n.Property] = []Snak{n}
		order = append(order, n.Property)
	}
	return merged, order
}

func containsValueEqual(snaks []Snak, n Snak) bool {
	for _, s := range snaks {
		if s.ValueEqual(n) {
			return true
		}
	}
	return false
}

// MergeReferences appends each new reference unless a structurally equal
// one already exists. Existing references keep their order and hashes.
func MergeReferences(existing, proposed []Reference) []Reference {
	out := append([]Reference(nil), existing...)
	for _, ref := range proposed {
		if containsStructuralEqual(out, ref) {
			continue
		}
		out = append(out, ref)
	}
	return out
}

func containsStructuralEqual(refs []Reference, ref Reference) bool {
	for _, r := range refs {
		if r.StructuralEqual(ref) {
			return true
		}
	}
	return false
}
