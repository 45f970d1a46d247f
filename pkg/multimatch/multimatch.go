// Package multimatch provides case-insensitive multi-substring matching via an
// Aho-Corasick automaton. It answers "does any of these literals occur in this
// text" in a single pass regardless of how many literals there are, which makes
// it suitable as a gate in front of more expensive regex scanning.
package multimatch

import "unicode"

// Matcher is immutable after New and safe for concurrent use.
type Matcher struct {
	root *state
	n    int
}

type state struct {
	next     map[rune]*state
	fail     *state
	terminal bool
}

// New builds a matcher over the given literals. Matching is case-insensitive;
// literals are folded at construction time.
func New(literals []string) *Matcher {
	m := &Matcher{root: &state{next: make(map[rune]*state)}, n: len(literals)}
	for _, lit := range literals {
		m.insert(lit)
	}
	m.link()
	return m
}

func (m *Matcher) insert(lit string) {
	cur := m.root
	for _, r := range lit {
		r = unicode.ToLower(r)
		child, ok := cur.next[r]
		if !ok {
			child = &state{next: make(map[rune]*state)}
			cur.next[r] = child
		}
		cur = child
	}
	cur.terminal = true
}

// link wires failure transitions breadth-first so that a mismatch falls back
// to the longest proper suffix that is still a prefix of some literal.
func (m *Matcher) link() {
	var queue []*state
	for _, child := range m.root.next {
		child.fail = m.root
		queue = append(queue, child)
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for r, child := range cur.next {
			queue = append(queue, child)

			f := cur.fail
			for f != nil {
				if next, ok := f.next[r]; ok {
					child.fail = next
					child.terminal = child.terminal || next.terminal
					break
				}
				f = f.fail
			}
			if child.fail == nil {
				child.fail = m.root
			}
		}
	}
}

// Contains reports whether any literal occurs in text.
func (m *Matcher) Contains(text string) bool {
	if m.n == 0 {
		return false
	}

	cur := m.root
	for _, r := range text {
		r = unicode.ToLower(r)

		for cur != m.root {
			if _, ok := cur.next[r]; ok {
				break
			}
			cur = cur.fail
		}
		if next, ok := cur.next[r]; ok {
			cur = next
		}
		if cur.terminal {
			return true
		}
	}
	return false
}

// Size returns the number of literals the matcher was built from.
func (m *Matcher) Size() int {
	return m.n
}
