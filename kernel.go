// kernel.go - Cooperative kernel with tick-driven priority preemption

/*
(c) 2024 - 2026 Zayn Otley
https://github.com/IntuitionAmiga/GlacierEngine
License: GPLv3 or later
*/

/*
kernel.go - Cooperative Kernel for the Glacier Engine

Single CPU, two contexts: task (foreground) and ISR (background). The kernel
keeps a fixed task table; the highest-priority ready task runs. The timer
tick may promote a higher-priority task to ready, which takes effect at the
interrupted task's next instruction boundary - any kernel entry point or an
explicit CheckPreempt poll inside compute loops.

Context-switch discipline: every mutation of scheduler state (the current
task pointer, the ready and delay bookkeeping, queue waiter lists) happens
with CPU interrupts masked. Task-context entry points take the interrupt
latch through EnterCritical; ISR-side entry points (TickFromISR, the
FromISR queue and semaphore variants) are called from inside Service, where
the latch is already held, and must never re-take it.

Suspension works by gating: each task is a goroutine parked on a one-slot
resume channel. A suspending task signals its successor (or leaves the CPU
idle) under the latch, releases the latch, then parks. The one-slot buffer
closes the wake-before-park race. Exactly one task is in the running state
at any instant; the idle CPU has no running task and simply accumulates
idle ticks until the tick ISR dispatches someone.

A new task's first dispatch is indistinguishable from any later resumption:
creation parks the goroutine on its gate, and the first gate signal "returns"
into the entry function with the task's argument, the same shape a restored
interrupt frame would have.

Time slicing among equal-priority tasks is a build-time choice via
SCHED_TIME_SLICE.
*/

package main

import (
	"fmt"
	"sync/atomic"
)

const (
	MAX_TASKS       = 8
	TASK_NAME_MAX   = 15
	SCHED_TIME_SLICE = true // round-robin equal priorities on each tick
)

type TaskState int

const (
	TASK_FREE TaskState = iota
	TASK_READY
	TASK_RUNNING
	TASK_DELAYED
	TASK_BLOCKED
	TASK_TERMINATED
)

func (s TaskState) String() string {
	switch s {
	case TASK_FREE:
		return "free"
	case TASK_READY:
		return "ready"
	case TASK_RUNNING:
		return "running"
	case TASK_DELAYED:
		return "delayed"
	case TASK_BLOCKED:
		return "blocked"
	case TASK_TERMINATED:
		return "terminated"
	}
	return "?"
}

// Task is one slot of the fixed task table.
type Task struct {
	id       int
	name     string
	priority int
	state    TaskState
	entry    func(arg uint32)
	arg      uint32
	stack    MemRegion // private stack region, carved at creation

	wakeTick    uint32 // deadline while delayed or blocked-with-timeout
	hasDeadline bool
	readySeq    uint64 // FIFO order among equal priorities

	// Queue/semaphore block bookkeeping
	waitQ       *MsgQueue
	waitSem     *Semaphore
	rxSlot      []byte // direct-handoff landing zone while receive-blocked
	delivered   bool
	timedOut    bool
	pendingElem []byte // element carried by a send-blocked task

	gate    chan struct{} // one-slot resume signal
	preempt atomic.Bool

	runs uint64 // dispatch count, diagnostics
}

// Kernel owns the task table and scheduler state.
type Kernel struct {
	disp *InterruptDispatcher
	mm   MemoryMap

	tasks   [MAX_TASKS]*Task
	nTasks  int
	current *Task

	tick     atomic.Uint32
	seq      uint64
	started  bool
	idleTicks uint64

	stackCursor uint32 // next task stack carve point (grows down)
}

// NewKernel builds an empty kernel over the dispatcher and memory map.
// Task stacks are carved top-down from the kernel stack region.
func NewKernel(disp *InterruptDispatcher, mm MemoryMap) *Kernel {
	mm.MustValidate()
	return &Kernel{
		disp:        disp,
		mm:          mm,
		stackCursor: mm.KernelStack.End,
	}
}

// CreateTask adds a task to the fixed table. Tasks are created before the
// scheduler starts; exceeding the table is an initialization-time
// programming error and halts with a diagnostic.
//
// The per-task stack region is carved from the kernel stack area; bounds
// are fixed from this moment on.
func (k *Kernel) CreateTask(name string, priority int, entry func(arg uint32), arg uint32) *Task {
	if entry == nil {
		panic("kernel: nil task entry")
	}
	if len(name) > TASK_NAME_MAX {
		name = name[:TASK_NAME_MAX]
	}

	k.disp.EnterCritical()
	defer k.disp.ExitCritical()

	if k.nTasks >= MAX_TASKS {
		panic(fmt.Sprintf("kernel: task table full (%d tasks) creating %q", MAX_TASKS, name))
	}
	stackSize := k.mm.KernelStack.Size() / MAX_TASKS
	top := k.stackCursor
	k.stackCursor -= stackSize

	t := &Task{
		id:       k.nTasks,
		name:     name,
		priority: priority,
		state:    TASK_READY,
		entry:    entry,
		arg:      arg,
		stack:    MemRegion{name + "-stack", k.stackCursor, top},
		gate:     make(chan struct{}, 1),
	}
	k.seq++
	t.readySeq = k.seq
	k.tasks[k.nTasks] = t
	k.nTasks++

	go k.taskTrampoline(t)
	return t
}

// taskTrampoline parks until first dispatch, runs the entry, and treats a
// return from the entry as an implicit exit(0).
func (k *Kernel) taskTrampoline(t *Task) {
	<-t.gate
	t.entry(t.arg)
	k.exitCurrent()
}

// StartScheduler dispatches the highest-priority task. Calling it twice is
// a programming error. It returns immediately; the caller's goroutine is
// free to run the board clock.
func (k *Kernel) StartScheduler() {
	k.disp.EnterCritical()
	defer k.disp.ExitCritical()
	if k.started {
		panic("kernel: scheduler started twice")
	}
	if k.nTasks == 0 {
		panic("kernel: scheduler started with no tasks")
	}
	k.started = true
	next := k.pickNextLocked()
	if next != nil {
		k.dispatchLocked(next)
	}
}

// Tick returns the monotonic kernel tick. Produced only by the tick ISR,
// readable from any context; word-sized so reads never tear.
func (k *Kernel) Tick() uint32 {
	return k.tick.Load()
}

// IdleTicks returns how many ticks elapsed with no runnable task.
func (k *Kernel) IdleTicks() uint64 {
	k.disp.EnterCritical()
	defer k.disp.ExitCritical()
	return k.idleTicks
}

// Idle reports whether no task currently owns the CPU.
func (k *Kernel) Idle() bool {
	k.disp.EnterCritical()
	defer k.disp.ExitCritical()
	return k.current == nil
}

// CurrentName returns the running task's name, or "idle".
func (k *Kernel) CurrentName() string {
	k.disp.EnterCritical()
	defer k.disp.ExitCritical()
	if k.current == nil {
		return "idle"
	}
	return k.current.name
}

// pickNextLocked selects the highest-priority ready task, FIFO within a
// priority. Latch held.
func (k *Kernel) pickNextLocked() *Task {
	var best *Task
	for i := 0; i < k.nTasks; i++ {
		t := k.tasks[i]
		if t.state != TASK_READY {
			continue
		}
		if best == nil || t.priority > best.priority ||
			(t.priority == best.priority && t.readySeq < best.readySeq) {
			best = t
		}
	}
	return best
}

// dispatchLocked makes t the running task and signals its gate. Latch held.
func (k *Kernel) dispatchLocked(t *Task) {
	t.state = TASK_RUNNING
	t.runs++
	k.current = t
	t.gate <- struct{}{}
}

// makeReadyLocked moves a task to ready and stamps its FIFO sequence.
// Latch held.
func (k *Kernel) makeReadyLocked(t *Task) {
	t.state = TASK_READY
	k.seq++
	t.readySeq = k.seq
	t.hasDeadline = false
}

// suspendLocked hands the CPU to the next ready task (or to idle) and
// releases the latch; the caller then parks on its gate. The latch must be
// held exactly once (critical depth 1) on entry.
func (k *Kernel) suspendLocked(t *Task) {
	next := k.pickNextLocked()
	if next != nil {
		k.dispatchLocked(next)
	} else {
		k.current = nil
	}
	k.disp.ExitCritical()
	<-t.gate
}

// requireTask returns the calling task, which must be the running one.
// Kernel service calls are task-context only.
func (k *Kernel) requireTask(op string) *Task {
	t := k.current
	if t == nil {
		panic(fmt.Sprintf("kernel: %s called outside task context", op))
	}
	return t
}

// Delay suspends the calling task for n ticks. The task becomes ready no
// earlier than tick+n and no later than tick+n+1.
func (k *Kernel) Delay(n uint32) {
	k.disp.EnterCritical()
	t := k.requireTask("Delay")
	if n == 0 {
		// Degenerates to a yield.
		k.makeReadyLocked(t)
		k.suspendLocked(t)
		return
	}
	t.state = TASK_DELAYED
	t.wakeTick = k.tick.Load() + n
	t.hasDeadline = true
	k.suspendLocked(t)
}

// Yield moves the caller to the back of its priority band and reschedules.
func (k *Kernel) Yield() {
	k.disp.EnterCritical()
	t := k.requireTask("Yield")
	k.makeReadyLocked(t)
	k.suspendLocked(t)
}

// CheckPreempt is the instruction-boundary poll for compute loops: if the
// tick ISR has flagged this task for preemption, the switch happens here.
// Cheap when no preemption is pending.
func (k *Kernel) CheckPreempt() {
	t := k.current
	if t == nil || !t.preempt.Load() {
		return
	}
	k.disp.EnterCritical()
	if !t.preempt.Load() {
		k.disp.ExitCritical()
		return
	}
	t.preempt.Store(false)
	k.makeReadyLocked(t)
	next := k.pickNextLocked()
	if next == t {
		t.state = TASK_RUNNING
		k.disp.ExitCritical()
		return
	}
	k.suspendLocked(t)
}

// exitCurrent terminates the calling task; its slot is never reused and its
// stack region is not reclaimed.
func (k *Kernel) exitCurrent() {
	k.disp.EnterCritical()
	t := k.requireTask("exit")
	t.state = TASK_TERMINATED
	next := k.pickNextLocked()
	if next != nil {
		k.dispatchLocked(next)
	} else {
		k.current = nil
	}
	k.disp.ExitCritical()
}

// TickFromISR advances kernel time by one tick. Called from the timer
// interrupt handler with the latch already held by Service; it must not
// take the latch itself.
//
// Work done per tick: promote expired delayed and timed-out blocked tasks,
// dispatch if the CPU was idle, and flag the running task for preemption if
// a higher-priority task (or, with time slicing, an equal-priority task)
// became runnable.
func (k *Kernel) TickFromISR() {
	now := k.tick.Add(1)

	for i := 0; i < k.nTasks; i++ {
		t := k.tasks[i]
		if !t.hasDeadline {
			continue
		}
		if int32(now-t.wakeTick) < 0 {
			continue
		}
		switch t.state {
		case TASK_DELAYED:
			k.makeReadyLocked(t)
		case TASK_BLOCKED:
			// Timeout: leave the waiter list atomically with the wakeup.
			if t.waitQ != nil {
				t.waitQ.removeWaiterLocked(t)
			}
			if t.waitSem != nil {
				t.waitSem.removeWaiterLocked(t)
			}
			t.timedOut = true
			k.makeReadyLocked(t)
		}
	}

	if !k.started {
		return
	}
	if k.current == nil {
		next := k.pickNextLocked()
		if next != nil {
			k.dispatchLocked(next)
		} else {
			k.idleTicks++
		}
		return
	}
	if k.shouldPreemptLocked(k.current) {
		k.current.preempt.Store(true)
	}
}

// shouldPreemptLocked reports whether any ready task outranks (or, with
// time slicing, ties) the running task. Latch held.
func (k *Kernel) shouldPreemptLocked(cur *Task) bool {
	for i := 0; i < k.nTasks; i++ {
		t := k.tasks[i]
		if t.state != TASK_READY {
			continue
		}
		if t.priority > cur.priority {
			return true
		}
		if SCHED_TIME_SLICE && t.priority == cur.priority {
			return true
		}
	}
	return false
}

// wakeFromISRLocked marks a blocked/delayed task ready from ISR context and
// requests preemption or dispatch as appropriate. Latch held.
func (k *Kernel) wakeFromISRLocked(t *Task) {
	k.makeReadyLocked(t)
	if k.current == nil {
		if k.started {
			next := k.pickNextLocked()
			if next != nil {
				k.dispatchLocked(next)
			}
		}
		return
	}
	if t.priority > k.current.priority {
		k.current.preempt.Store(true)
	}
}

// wakeFromTaskLocked marks a task ready on behalf of another task (queue
// hand-offs). The caller finishes its own kernel call before any switch; a
// higher-priority wakeup is honoured at the caller's next boundary.
// Latch held.
func (k *Kernel) wakeFromTaskLocked(t *Task) {
	k.makeReadyLocked(t)
	if k.current != nil && t.priority > k.current.priority {
		k.current.preempt.Store(true)
	}
}

// TaskCount returns the number of occupied table slots.
func (k *Kernel) TaskCount() int {
	k.disp.EnterCritical()
	defer k.disp.ExitCritical()
	return k.nTasks
}

// TaskByName finds a task for diagnostics.
func (k *Kernel) TaskByName(name string) *Task {
	k.disp.EnterCritical()
	defer k.disp.ExitCritical()
	for i := 0; i < k.nTasks; i++ {
		if k.tasks[i].name == name {
			return k.tasks[i]
		}
	}
	return nil
}

// State returns a task's scheduling state.
func (t *Task) State() TaskState {
	return t.state
}

// Name returns the task name.
func (t *Task) Name() string {
	return t.name
}

// StackRegion returns the task's private stack bounds.
func (t *Task) StackRegion() MemRegion {
	return t.stack
}
