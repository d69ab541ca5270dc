package coordinator

import (
	"go.uber.org/zap"

	"github.com/probe-labs/deepresearch/internal/state"
)

// Decision is the coordinator's verdict for the current cycle.
type Decision string

const (
	ContinueTask Decision = "continue_task"
	AdvanceTask  Decision = "advance_task"
	Finalize     Decision = "finalize"
)

// Strategy is the informational execution hint derived from the task type.
type Strategy string

const (
	StrategyBroad      Strategy = "broad_survey"
	StrategyDeepDive   Strategy = "deep_dive"
	StrategySideBySide Strategy = "side_by_side"
	StrategySynthesis  Strategy = "synthesis"
)

// Outcome bundles the decision with the strategy hint for the active task.
type Outcome struct {
	Decision Decision
	Strategy Strategy
	TaskID   string
	Reason   string
}

// Coordinator owns the task pointer. It decides each cycle whether to keep
// working the current task, advance to the next, or terminate the plan.
// Coordination errors never abort the run: any unexpected internal state
// degrades to ContinueTask.
type Coordinator struct {
	maxLoopsPerTask    int
	findingsSaturation int
	logger             *zap.Logger
}

func New(maxLoopsPerTask, findingsSaturation int, logger *zap.Logger) *Coordinator {
	if maxLoopsPerTask < 1 {
		maxLoopsPerTask = 1
	}
	if findingsSaturation < 1 {
		findingsSaturation = 5
	}
	return &Coordinator{
		maxLoopsPerTask:    maxLoopsPerTask,
		findingsSaturation: findingsSaturation,
		logger:             logger,
	}
}

// Coordinate applies the decision rules in order:
//  1. isComplete already set (an earlier reflection declared sufficiency)
//     overrides everything and finalizes.
//  2. An exhausted pointer finalizes.
//  3. Otherwise continue the current task unless its loop budget is spent or
//     its findings are saturated; in that case mark it completed, advance
//     the pointer, reset the loop counter, and either advance or finalize.
//
// Coordinate mutates only the plan pointer, task statuses, the completed-task
// list, and the task loop counter.
func (c *Coordinator) Coordinate(s *state.WorkflowState) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Coordinator panic, continuing current task",
				zap.Any("panic", r),
				zap.Int("pointer", s.Plan.Pointer),
			)
			out = Outcome{Decision: ContinueTask, Reason: "internal error"}
		}
	}()

	if s.IsComplete {
		return Outcome{Decision: Finalize, Reason: "reflection declared sufficiency"}
	}
	if s.Plan.Exhausted() {
		return Outcome{Decision: Finalize, Reason: "plan exhausted"}
	}

	task := s.Plan.Current()
	if task.Status == state.TaskPending {
		task.Status = state.TaskRunning
	}

	if c.shouldContinue(s, task) {
		return Outcome{
			Decision: ContinueTask,
			Strategy: strategyFor(task.TaskType),
			TaskID:   task.ID,
			Reason:   "task has loop budget and unsaturated findings",
		}
	}

	// Task is done with its budget or saturated: close it out and move on.
	task.Status = state.TaskCompleted
	s.CompletedTasks = append(s.CompletedTasks, task.ID)
	s.Plan.Pointer++
	s.Cycles.TaskLoopCount = 0

	c.logger.Info("Advanced to next task",
		zap.String("completed", task.ID),
		zap.Int("pointer", s.Plan.Pointer),
		zap.Int("remaining", len(s.Plan.Tasks)-s.Plan.Pointer),
	)

	if s.Plan.Exhausted() {
		return Outcome{Decision: Finalize, TaskID: task.ID, Reason: "last task completed"}
	}
	next := s.Plan.Current()
	return Outcome{
		Decision: AdvanceTask,
		Strategy: strategyFor(next.TaskType),
		TaskID:   next.ID,
		Reason:   "previous task closed",
	}
}

func (c *Coordinator) shouldContinue(s *state.WorkflowState, task *state.Task) bool {
	if s.Cycles.TaskLoopCount >= c.maxLoopsPerTask {
		c.logger.Info("Task loop budget spent",
			zap.String("task_id", task.ID),
			zap.Int("loops", s.Cycles.TaskLoopCount),
		)
		return false
	}
	if findings := s.FindingsByTask[task.ID]; findings >= c.findingsSaturation {
		c.logger.Info("Task findings saturated",
			zap.String("task_id", task.ID),
			zap.Int("findings", findings),
		)
		return false
	}
	return true
}

// strategyFor maps a task type to its execution strategy hint.
func strategyFor(t state.TaskType) Strategy {
	switch t {
	case state.TaskTechnical:
		return StrategyDeepDive
	case state.TaskComparison:
		return StrategySideBySide
	case state.TaskAnalysis:
		return StrategySynthesis
	default:
		return StrategyBroad
	}
}
