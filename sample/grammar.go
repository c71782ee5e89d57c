package sample

import (
	"fmt"

	"github.com/skein-ai/skein/grammar"
	"github.com/skein-ai/skein/llm"
)

// Grammar removes candidates the grammar automaton cannot consume. End-of-
// generation tokens are admitted only when the automaton is in an accepting
// state, and once the automaton is done everything else is rejected.
type Grammar struct {
	rules   *grammar.RuleSet
	machine *grammar.Machine
	tok     llm.Tokenizer
}

func NewGrammar(rules *grammar.RuleSet, tok llm.Tokenizer) (*Grammar, error) {
	machine, err := grammar.NewMachine(rules)
	if err != nil {
		return nil, err
	}
	return &Grammar{rules: rules, machine: machine, tok: tok}, nil
}

func (g *Grammar) Apply(cs *CandidateSet) {
	kept := cs.Tokens[:0]
	for _, c := range cs.Tokens {
		if g.tok.IsEOG(c.ID) {
			if g.machine.CanStop() {
				kept = append(kept, c)
			}
			continue
		}
		if g.machine.Done() {
			continue
		}

		piece := g.tok.Piece(c.ID)
		if piece == "" {
			// non-text special token, never part of grammar output
			continue
		}
		if g.machine.Accepts(piece) {
			kept = append(kept, c)
		}
	}
	cs.Tokens = kept
}

// Accept commits the chosen token's text to the automaton. A token the
// grammar cannot consume indicates Apply was bypassed upstream; the caller
// fails the request.
func (g *Grammar) Accept(token llm.Token) error {
	if g.tok.IsEOG(token) {
		return nil
	}
	if err := g.machine.Accept(g.tok.Piece(token)); err != nil {
		return fmt.Errorf("token %d: %w", token, err)
	}
	return nil
}

// Reset rewinds the automaton to the grammar's start state.
func (g *Grammar) Reset() {
	machine, err := grammar.NewMachine(g.rules)
	if err != nil {
		// the rules already built one machine, they cannot fail now
		panic(err)
	}
	g.machine = machine
}
