package session

import (
	"strings"

	"github.com/sahilm/fuzzy"
)

// sessionNames adapts a session slice to fuzzy.Source.
type sessionNames []Session

func (s sessionNames) String(i int) string { return s[i].Name }
func (s sessionNames) Len() int            { return len(s) }

// Lookup resolves a reference without guessing: an exact id, a unique id
// prefix (dashes ignored), or a unique exact name (case-insensitive).
// A stale reference matches nothing.
func (r *Registry) Lookup(ref string) (Session, bool) {
	return lookupIn(r.List(), strings.TrimSpace(ref))
}

// Find resolves what a user typed to one session. It tries Lookup first and
// falls back to the best fuzzy match on names.
func (r *Registry) Find(query string) (Session, bool) {
	query = strings.TrimSpace(query)
	all := r.List()
	if s, ok := lookupIn(all, query); ok {
		return s, true
	}
	if query == "" {
		return Session{}, false
	}
	matches := fuzzy.FindFrom(query, sessionNames(all))
	if len(matches) == 0 {
		return Session{}, false
	}
	return all[matches[0].Index], true
}

func lookupIn(all []Session, ref string) (Session, bool) {
	if ref == "" {
		return Session{}, false
	}
	for _, s := range all {
		if s.ID == ref {
			return s, true
		}
	}

	prefix := strings.ToLower(strings.ReplaceAll(ref, "-", ""))
	if s, ok := only(all, func(s Session) bool {
		return strings.HasPrefix(strings.ReplaceAll(s.ID, "-", ""), prefix)
	}); ok {
		return s, true
	}
	return only(all, func(s Session) bool { return strings.EqualFold(s.Name, ref) })
}

// only returns the single session matching keep.
func only(all []Session, keep func(Session) bool) (Session, bool) {
	var found []Session
	for _, s := range all {
		if keep(s) {
			found = append(found, s)
		}
	}
	if len(found) != 1 {
		return Session{}, false
	}
	return found[0], true
}
