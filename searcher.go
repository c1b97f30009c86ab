package wrongpath

import "math/rand"

// Searcher picks which live context to execute next.
type Searcher interface {
	// SelectState returns the next context to run, or nil when no
	// context is available. The context is removed from the frontier.
	SelectState() *ExecState

	// AddState adds a context to the frontier.
	AddState(st *ExecState)
}

// DFSSearcher explores depth-first, following the most recent fork.
type DFSSearcher struct {
	states []*ExecState
}

// NewDFSSearcher returns an empty depth-first searcher.
func NewDFSSearcher() *DFSSearcher {
	return &DFSSearcher{}
}

func (s *DFSSearcher) SelectState() *ExecState {
	if len(s.states) == 0 {
		return nil
	}
	st := s.states[len(s.states)-1]
	s.states = s.states[:len(s.states)-1]
	return st
}

func (s *DFSSearcher) AddState(st *ExecState) {
	s.states = append(s.states, st)
}

// BFSSearcher explores breadth-first, keeping sibling paths in step.
type BFSSearcher struct {
	states []*ExecState
}

// NewBFSSearcher returns an empty breadth-first searcher.
func NewBFSSearcher() *BFSSearcher {
	return &BFSSearcher{}
}

func (s *BFSSearcher) SelectState() *ExecState {
	if len(s.states) == 0 {
		return nil
	}
	st := s.states[0]
	s.states = s.states[1:]
	return st
}

func (s *BFSSearcher) AddState(st *ExecState) {
	s.states = append(s.states, st)
}

// RandomSearcher picks a uniformly random live context each step.
type RandomSearcher struct {
	states []*ExecState
	rnd    *rand.Rand
}

// NewRandomSearcher returns a searcher drawing from rnd.
func NewRandomSearcher(rnd *rand.Rand) *RandomSearcher {
	return &RandomSearcher{rnd: rnd}
}

func (s *RandomSearcher) SelectState() *ExecState {
	if len(s.states) == 0 {
		return nil
	}
	i := s.rnd.Intn(len(s.states))
	st := s.states[i]
	s.states[i] = s.states[len(s.states)-1]
	s.states = s.states[:len(s.states)-1]
	return st
}

func (s *RandomSearcher) AddState(st *ExecState) {
	s.states = append(s.states, st)
}
