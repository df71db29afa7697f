package runqueue

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Now is the clock used for enqueue and run timestamps. Tests and the
// simulator override it to drive virtual time.
var Now = time.Now

// Class is a scheduling priority class. Higher values preempt lower ones.
type Class int

const (
	ClassIdle Class = iota
	ClassFair
	ClassRealtime
	ClassDeadline
)

func (c Class) String() string {
	switch c {
	case ClassIdle:
		return "idle"
	case ClassFair:
		return "fair"
	case ClassRealtime:
		return "realtime"
	case ClassDeadline:
		return "deadline"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

func ParseClass(s string) (Class, error) {
	switch s {
	case "", "fair":
		return ClassFair, nil
	case "realtime":
		return ClassRealtime, nil
	case "deadline":
		return ClassDeadline, nil
	default:
		return ClassFair, fmt.Errorf("unknown class %q", s)
	}
}

// Boost widens a task's placement preference. Only BoostStrictMax matters
// to the balancer: it pins the task against downward migration.
type Boost int

const (
	BoostNone Boost = iota
	BoostOnMid
	BoostOnMax
	BoostStrictMax
)

func (b Boost) String() string {
	switch b {
	case BoostNone:
		return "none"
	case BoostOnMid:
		return "mid"
	case BoostOnMax:
		return "max"
	case BoostStrictMax:
		return "strict-max"
	default:
		return fmt.Sprintf("boost(%d)", int(b))
	}
}

func ParseBoost(s string) (Boost, error) {
	switch s {
	case "", "none":
		return BoostNone, nil
	case "mid":
		return BoostOnMid, nil
	case "max":
		return BoostOnMax, nil
	case "strict-max":
		return BoostStrictMax, nil
	default:
		return BoostNone, fmt.Errorf("unknown boost %q", s)
	}
}

type State int

const (
	TaskBlocked State = iota
	TaskRunnable
	TaskRunning
)

func (s State) String() string {
	switch s {
	case TaskBlocked:
		return "blocked"
	case TaskRunnable:
		return "runnable"
	case TaskRunning:
		return "running"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Task is one schedulable entity. Demand is its instantaneous utilization
// on the 0..1024 capacity scale. The mutable fields (State, CPU, Misfit,
// timestamps, InIOWait) are guarded by the lock of the run queue holding
// the task; while a migration has it detached the migration protocol is
// the sole owner.
type Task struct {
	ID          int
	Name        string
	Demand      int
	Class       Class
	Boost       Boost
	AllowedCPUs Mask

	State        State
	CPU          int
	InIOWait     bool
	Misfit       bool
	LastEnqueued time.Time
	RunningSince time.Time

	refs atomic.Int32
}

// NewTask returns a blocked, unassigned task holding its birth reference.
func NewTask(id int, name string, demand int, class Class) *Task {
	t := &Task{
		ID:     id,
		Name:   name,
		Demand: demand,
		Class:  class,
		State:  TaskBlocked,
		CPU:    -1,
	}
	t.refs.Store(1)
	return t
}

// Get takes a reference keeping the task alive across an in-flight
// migration.
func (t *Task) Get() {
	t.refs.Add(1)
}

// Put releases a reference taken with Get.
func (t *Task) Put() {
	if t.refs.Add(-1) < 0 {
		panic(fmt.Sprintf("task %d: reference count underflow", t.ID))
	}
}

func (t *Task) Refs() int32 {
	return t.refs.Load()
}

func (t *Task) String() string {
	if t.Name != "" {
		return fmt.Sprintf("%s(%d)", t.Name, t.ID)
	}
	return fmt.Sprintf("task(%d)", t.ID)
}
