// Package mission sequences named mission phases by elapsed wall-clock time.
package mission

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/missionctl/internal/timeutil"
)

var (
	// ErrEmptyPlan is returned when assigning a plan with no phases.
	ErrEmptyPlan = errors.New("mission plan is empty")
	// ErrPlanExhausted is returned once every phase has finished. Plans do
	// not wrap around and the last task is not repeated: the aircraft gets
	// no further commands until a new plan is assigned.
	ErrPlanExhausted = errors.New("mission plan exhausted")
)

// Phase is one entry of a mission plan.
type Phase struct {
	Name      string        `json:"name"`
	Task      Task          `json:"-"`
	Duration  time.Duration `json:"duration"`
	Start     time.Time     `json:"start,omitempty"`
	Started   bool          `json:"started"`
	Finalized bool          `json:"finalized"`
}

// NewPhase parses name into its task.
func NewPhase(name string, d time.Duration) Phase {
	return Phase{Name: name, Task: ParseTask(name), Duration: d}
}

// Plan is an ordered list of phases; order is execution order.
type Plan []Phase

// String renders the plan as "name(duration) -> ...".
func (p Plan) String() string {
	s := ""
	for i, ph := range p {
		if i > 0 {
			s += " -> "
		}
		s += fmt.Sprintf("%s(%s)", ph.Name, ph.Duration)
	}
	return s
}

// Scheduler owns one aircraft's plan.
type Scheduler struct {
	clock timeutil.Clock

	mu   sync.Mutex
	plan Plan
}

// NewScheduler returns a scheduler with no plan. Current returns
// ErrPlanExhausted until a plan is assigned.
func NewScheduler(clock timeutil.Clock) *Scheduler {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Scheduler{clock: clock}
}

// Assign replaces the plan wholesale. Start times and finalized flags of the
// incoming phases are cleared.
func (s *Scheduler) Assign(plan Plan) error {
	if len(plan) == 0 {
		return ErrEmptyPlan
	}
	fresh := make(Plan, len(plan))
	for i, p := range plan {
		if p.Task == nil {
			p.Task = ParseTask(p.Name)
		}
		p.Start = time.Time{}
		p.Started = false
		p.Finalized = false
		fresh[i] = p
	}

	s.mu.Lock()
	s.plan = fresh
	s.mu.Unlock()
	return nil
}

// Current returns the active phase and the time elapsed in it. A phase is
// activated on the first call that reaches it (elapsed 0). A phase whose
// elapsed time exceeds its duration is finalized and the scan continues, so
// the returned phase is never finalized.
func (s *Scheduler) Current() (Phase, time.Duration, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.plan {
		p := &s.plan[i]
		if p.Finalized {
			continue
		}
		if !p.Started {
			p.Start = now
			p.Started = true
			return *p, 0, nil
		}
		elapsed := now.Sub(p.Start)
		if elapsed > p.Duration {
			p.Finalized = true
			continue
		}
		return *p, elapsed, nil
	}
	return Phase{}, 0, ErrPlanExhausted
}

// CurrentTask returns the task of the active phase.
func (s *Scheduler) CurrentTask() (Task, error) {
	p, _, err := s.Current()
	if err != nil {
		return nil, err
	}
	return p.Task, nil
}

// Elapsed returns the time spent in the active phase.
func (s *Scheduler) Elapsed() (time.Duration, error) {
	_, d, err := s.Current()
	return d, err
}

// Plan returns a copy of the plan with its bookkeeping.
func (s *Scheduler) Plan() Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append(Plan(nil), s.plan...)
}
