// Package grammar evaluates a pre-parsed grammar rule graph during decoding.
// Parsing grammar text into a RuleSet happens upstream; this package only
// answers whether a piece of generated text keeps the automaton alive, and
// advances it when a token is accepted.
package grammar

import (
	"errors"
	"fmt"
	"strings"
)

// ElementType enumerates the rule graph's element kinds.
type ElementType int

const (
	// End terminates a rule alternate sequence.
	End ElementType = iota
	// Alt separates alternates within one rule.
	Alt
	// RuleRef references another rule by index.
	RuleRef
	// Char matches a single rune.
	Char
	// CharNot matches any rune outside the class it starts.
	CharNot
	// CharRangeUpper extends the preceding Char/CharAlt into a range.
	CharRangeUpper
	// CharAlt adds an alternative rune to the class.
	CharAlt
)

// Element is one cell of a rule. Value is a rune for character elements and
// a rule index for RuleRef.
type Element struct {
	Type  ElementType
	Value rune
}

// RuleSet is the pre-parsed grammar: a graph of rules, each a flat element
// sequence with Alt separators, entered at Root.
type RuleSet struct {
	Rules [][]Element
	Root  int
}

// pos addresses one element within a RuleSet.
type pos struct {
	rule, idx int
}

// Machine is the decoding automaton: a set of stacks of rule positions.
// An empty stack means the grammar can terminate here.
type Machine struct {
	rules  [][]Element
	stacks [][]pos
}

var ErrNoTransition = errors.New("grammar: no transition for input")

// NewMachine builds the automaton positioned at the start of the root rule.
func NewMachine(rs *RuleSet) (*Machine, error) {
	if rs == nil || len(rs.Rules) == 0 {
		return nil, errors.New("grammar: empty rule set")
	}
	if rs.Root < 0 || rs.Root >= len(rs.Rules) {
		return nil, fmt.Errorf("grammar: root rule %d out of range", rs.Root)
	}

	m := &Machine{rules: rs.Rules}

	p := pos{rs.Root, 0}
	for {
		var next [][]pos
		if !m.endOfSequence(p) {
			m.advance([]pos{p}, &next)
		} else {
			m.advance(nil, &next)
		}
		m.stacks = dedup(append(m.stacks, next...))

		p.idx = m.skipAlternate(p)
		if m.at(p).Type != Alt {
			break
		}
		p.idx++
	}

	return m, nil
}

func (m *Machine) at(p pos) Element {
	return m.rules[p.rule][p.idx]
}

func (m *Machine) endOfSequence(p pos) bool {
	t := m.at(p).Type
	return t == End || t == Alt
}

// skipAlternate returns the index of the End or Alt element closing the
// alternate containing p.
func (m *Machine) skipAlternate(p pos) int {
	i := p.idx
	for {
		t := m.rules[p.rule][i].Type
		if t == End || t == Alt {
			return i
		}
		i++
	}
}

// advance expands a stack until its top element is a character matcher,
// appending every expansion to out. Rule references fan out one stack per
// alternate of the referenced rule.
func (m *Machine) advance(stack []pos, out *[][]pos) {
	if len(stack) == 0 {
		*out = append(*out, stack)
		return
	}

	top := stack[len(stack)-1]
	switch m.at(top).Type {
	case Char, CharNot:
		*out = append(*out, stack)
	case RuleRef:
		ref := int(m.at(top).Value)
		sub := pos{ref, 0}
		for {
			next := make([]pos, 0, len(stack)+1)
			next = append(next, stack[:len(stack)-1]...)
			if cont := (pos{top.rule, top.idx + 1}); !m.endOfSequence(cont) {
				next = append(next, cont)
			}
			if !m.endOfSequence(sub) {
				next = append(next, sub)
			}
			m.advance(next, out)

			sub.idx = m.skipAlternate(sub)
			if m.at(sub).Type != Alt {
				break
			}
			sub.idx++
		}
	default:
		// End/Alt tops never survive stack construction.
		panic(fmt.Sprintf("grammar: unexpected element %d on stack", m.at(top).Type))
	}
}

// matchChar tests r against the character class starting at p and returns
// the position immediately after the class.
func (m *Machine) matchChar(p pos, r rune) (bool, pos) {
	elem := m.at(p)
	negated := elem.Type == CharNot

	found := false
	base := elem.Value
	i := p.idx
	for {
		if i+1 < len(m.rules[p.rule]) && m.rules[p.rule][i+1].Type == CharRangeUpper {
			if base <= r && r <= m.rules[p.rule][i+1].Value {
				found = true
			}
			i++
		} else if r == base {
			found = true
		}

		if i+1 < len(m.rules[p.rule]) && m.rules[p.rule][i+1].Type == CharAlt {
			i++
			base = m.rules[p.rule][i].Value
			continue
		}
		break
	}

	return found != negated, pos{p.rule, i + 1}
}

// acceptRune feeds one rune to every live stack and returns the survivors.
func (m *Machine) acceptRune(stacks [][]pos, r rune) [][]pos {
	var next [][]pos
	for _, stack := range stacks {
		if len(stack) == 0 {
			continue
		}

		top := stack[len(stack)-1]
		ok, after := m.matchChar(top, r)
		if !ok {
			continue
		}

		ns := make([]pos, 0, len(stack))
		ns = append(ns, stack[:len(stack)-1]...)
		if !m.endOfSequence(after) {
			ns = append(ns, after)
		}
		m.advance(ns, &next)
	}
	return dedup(next)
}

// Accepts reports whether consuming text keeps at least one parse alive,
// without committing any state.
func (m *Machine) Accepts(text string) bool {
	stacks := m.stacks
	for _, r := range text {
		stacks = m.acceptRune(stacks, r)
		if len(stacks) == 0 {
			return false
		}
	}
	return true
}

// Accept commits text to the automaton. It reports ErrNoTransition, leaving
// the state unchanged, if some rune has no valid path; callers treat that as
// an internal invariant break since rejected tokens never reach Accept.
func (m *Machine) Accept(text string) error {
	stacks := m.stacks
	for _, r := range text {
		stacks = m.acceptRune(stacks, r)
		if len(stacks) == 0 {
			return fmt.Errorf("%w: %q", ErrNoTransition, r)
		}
	}
	m.stacks = stacks
	return nil
}

// CanStop reports whether the automaton is in an accepting state, i.e. an
// end-of-generation token is admissible now.
func (m *Machine) CanStop() bool {
	for _, stack := range m.stacks {
		if len(stack) == 0 {
			return true
		}
	}
	return false
}

// Done reports whether only end-of-generation remains: the grammar can stop
// and no live stack can consume further input.
func (m *Machine) Done() bool {
	if !m.CanStop() {
		return false
	}
	for _, stack := range m.stacks {
		if len(stack) != 0 {
			return false
		}
	}
	return true
}

func dedup(stacks [][]pos) [][]pos {
	if len(stacks) < 2 {
		return stacks
	}

	seen := make(map[string]struct{}, len(stacks))
	out := stacks[:0]
	for _, stack := range stacks {
		var sb strings.Builder
		for _, p := range stack {
			fmt.Fprintf(&sb, "%d:%d;", p.rule, p.idx)
		}
		key := sb.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, stack)
	}
	return out
}
