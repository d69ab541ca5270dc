package engine

import "github.com/probe-labs/deepresearch/internal/coordinator"

// Stage enumerates the workflow state machine. The graph is cyclic:
// Coordinate → Query → Search → (Enhance) → Reflect → Coordinate, entered
// once from Plan and exited only through Finalize.
type Stage string

const (
	StagePlan       Stage = "plan"
	StageCoordinate Stage = "coordinate"
	StageQuery      Stage = "generate_queries"
	StageSearch     Stage = "search"
	StageEnhance    Stage = "enhance"
	StageReflect    Stage = "reflect"
	StageFinalize   Stage = "finalize"
	StageDone       Stage = "done"
)

// StageOutcome carries the fields of a stage result that influence the
// transition. Only the field relevant to the completed stage is read.
type StageOutcome struct {
	Decision coordinator.Decision // set by Coordinate
	Enhance  bool                 // set by Search
}

// Next is the pure transition function of the stage graph. It consults
// nothing but its arguments, so every path through the cyclic graph is
// enumerable in tests.
func Next(s Stage, out StageOutcome) Stage {
	switch s {
	case StagePlan:
		return StageCoordinate
	case StageCoordinate:
		if out.Decision == coordinator.Finalize {
			return StageFinalize
		}
		return StageQuery
	case StageQuery:
		return StageSearch
	case StageSearch:
		if out.Enhance {
			return StageEnhance
		}
		return StageReflect
	case StageEnhance:
		return StageReflect
	case StageReflect:
		return StageCoordinate
	case StageFinalize:
		return StageDone
	default:
		return StageDone
	}
}
