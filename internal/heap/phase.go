package heap

import "fmt"

type phaseValue int

const (
	phaseBefore phaseValue = iota
	phaseAllowed
	phaseAfter
)

func (v phaseValue) String() string {
	switch v {
	case phaseBefore:
		return "before"
	case phaseAllowed:
		return "allowed"
	case phaseAfter:
		return "after"
	}
	return fmt.Sprintf("phaseValue(%d)", int(v))
}

// Phase gates a mutation window of the builder: before -> allowed -> after,
// each transition permitted exactly once. Misuse is a programming error
// and fails loudly.
type Phase struct {
	name  string
	value phaseValue
}

func newPhase(name string) *Phase {
	return &Phase{name: name}
}

// Allow opens the mutation window.
func (p *Phase) Allow() {
	if p.value != phaseBefore {
		panic(fmt.Sprintf("heap: cannot allow %s phase while %s", p.name, p.value))
	}
	p.value = phaseAllowed
}

// Disallow closes the mutation window for good.
func (p *Phase) Disallow() {
	if p.value != phaseAllowed {
		panic(fmt.Sprintf("heap: cannot disallow %s phase while %s", p.name, p.value))
	}
	p.value = phaseAfter
}

// IsBefore reports whether the window has not opened yet.
func (p *Phase) IsBefore() bool { return p.value == phaseBefore }

// IsAllowed reports whether the window is open.
func (p *Phase) IsAllowed() bool { return p.value == phaseAllowed }

func (p *Phase) String() string { return p.value.String() }

func (p *Phase) mustBeAllowed(what string) {
	if p.value != phaseAllowed {
		panic(fmt.Sprintf("heap: %s at phase %s", what, p.value))
	}
}
