// Package faultseq decides when to morph the airframe, fail a motor or
// recover it. Everything here is a pure function of an explicit actuator
// snapshot; callers write the returned state back and forward the returned
// channel writes to the aircraft.
package faultseq

import (
	"fmt"
	"math"
)

// Motors is the number of actuator channels.
const Motors = 6

// MorphChannel is the settings channel carrying the morph blend.
const MorphChannel = "morph_common"

// MotorChannel returns the settings channel name of a zero-based motor.
func MotorChannel(motor int) string {
	return fmt.Sprintf("M%d", motor+1)
}

// Actuators is the actuator part of a vehicle snapshot.
type Actuators struct {
	Effectiveness [Motors]float64
	Fault         bool
	Morph         float64
}

// Healthy returns actuators with every motor at full effectiveness.
func Healthy() Actuators {
	var a Actuators
	for i := range a.Effectiveness {
		a.Effectiveness[i] = 1
	}
	return a
}

// Write is one settings-channel assignment implied by an action.
type Write struct {
	Channel string
	Value   float64
}

// Kind enumerates the actuator actions.
type Kind int

const (
	None Kind = iota
	MorphTo
	FailMotor
	RecoverMotor
	ResetMotors
)

func (k Kind) String() string {
	switch k {
	case None:
		return "none"
	case MorphTo:
		return "morph"
	case FailMotor:
		return "fail"
	case RecoverMotor:
		return "recover"
	case ResetMotors:
		return "reset"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Action is what the sequencer or interlock wants done this tick.
type Action struct {
	Kind   Kind
	Motor  int
	Step   float64
	Target float64
}

func (a Action) String() string {
	switch a.Kind {
	case MorphTo:
		return fmt.Sprintf("morph(%.2f)", a.Target)
	case FailMotor, RecoverMotor:
		return fmt.Sprintf("%s(%s, %.2f)", a.Kind, MotorChannel(a.Motor), a.Step)
	default:
		return a.Kind.String()
	}
}

// Fail lowers one motor by step. It only acts while no fault is active, so a
// second call during a fault leaves the state untouched. The fault flag is set
// exactly when the motor reaches zero.
func Fail(a Actuators, motor int, step float64) (Actuators, bool) {
	if a.Fault || !validMotor(motor) {
		return a, false
	}
	a.Effectiveness[motor] = clip(a.Effectiveness[motor]-step, 0, 1)
	a.Fault = a.Effectiveness[motor] == 0
	return a, true
}

// Recover raises one motor by step while a fault is active. The fault clears
// exactly when the motor is back at one.
func Recover(a Actuators, motor int, step float64) (Actuators, bool) {
	if !a.Fault || !validMotor(motor) {
		return a, false
	}
	a.Effectiveness[motor] = clip(a.Effectiveness[motor]+step, 0, 1)
	a.Fault = a.Effectiveness[motor] != 1
	return a, true
}

// Morph stores target clipped to [-1, 1].
func Morph(a Actuators, target float64) Actuators {
	a.Morph = clip(target, -1, 1)
	return a
}

// Reset restores every motor to full effectiveness and clears the fault.
func Reset(a Actuators) Actuators {
	for i := range a.Effectiveness {
		a.Effectiveness[i] = 1
	}
	a.Fault = false
	return a
}

// Apply performs act on a and returns the new state with the channel
// writes needed to mirror it on the aircraft. Actions that do not take
// effect produce no writes.
func Apply(a Actuators, act Action) (Actuators, []Write) {
	switch act.Kind {
	case MorphTo:
		a = Morph(a, act.Target)
		return a, []Write{{Channel: MorphChannel, Value: a.Morph}}
	case FailMotor:
		next, ok := Fail(a, act.Motor, act.Step)
		if !ok {
			return a, nil
		}
		return next, []Write{{Channel: MotorChannel(act.Motor), Value: next.Effectiveness[act.Motor]}}
	case RecoverMotor:
		next, ok := Recover(a, act.Motor, act.Step)
		if !ok {
			return a, nil
		}
		return next, []Write{{Channel: MotorChannel(act.Motor), Value: next.Effectiveness[act.Motor]}}
	case ResetMotors:
		a = Reset(a)
		writes := make([]Write, 0, Motors)
		for i := range a.Effectiveness {
			writes = append(writes, Write{Channel: MotorChannel(i), Value: 1})
		}
		return a, writes
	default:
		return a, nil
	}
}

func validMotor(motor int) bool {
	return motor >= 0 && motor < Motors
}

func clip(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
