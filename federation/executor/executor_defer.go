package executor

import (
	"context"

	"github.com/n9te9/go-graphql-federation-gateway/federation/planner"
)

// Chunk is one payload of an incremental (@defer) response stream. The
// first chunk carries the primary data with HasNext true; each deferred
// chunk carries the payload's path and data; the final chunk has HasNext
// false.
type Chunk struct {
	Label   string         `json:"label,omitempty"`
	Path    []any          `json:"path,omitempty"`
	Data    any            `json:"data"`
	Errors  []GraphQLError `json:"errors,omitempty"`
	HasNext bool           `json:"hasNext"`
}

// ExecuteStream runs a deferred plan incrementally: the primary response is
// emitted first, then each deferred group executes as its own sub-plan and
// its payload is emitted as a follow-up chunk. emit is called sequentially;
// an emit error aborts the stream (the client went away).
func (e *ExecutorV2) ExecuteStream(
	ctx context.Context,
	plan *planner.PlanV2,
	variables map[string]interface{},
	emit func(Chunk) error,
) error {
	primary, err := e.Execute(ctx, plan, variables)
	if err != nil {
		return err
	}

	chunk := Chunk{
		Data:    primary["data"],
		HasNext: len(plan.Deferred) > 0,
	}
	if errs, ok := primary["errors"].([]GraphQLError); ok {
		chunk.Errors = errs
	}
	if err := emit(chunk); err != nil {
		return err
	}

	for i, group := range plan.Deferred {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		miniPlan := deferredSubPlan(plan, group)
		result, execErr := e.Execute(ctx, miniPlan, variables)

		deferredChunk := Chunk{
			Label:   group.Label,
			Path:    pathToAny(group.Path),
			HasNext: i < len(plan.Deferred)-1,
		}
		if execErr != nil {
			deferredChunk.Errors = []GraphQLError{{Message: execErr.Error()}}
		} else {
			deferredChunk.Data = extractAtPath(result["data"], group.Path)
			if errs, ok := result["errors"].([]GraphQLError); ok {
				deferredChunk.Errors = errs
			}
		}
		if err := emit(deferredChunk); err != nil {
			return err
		}
	}

	return nil
}

// deferredSubPlan lifts one deferred group out of plan as a standalone
// plan: the group's steps are copied with IDs renumbered from zero so step
// IDs and slice indexes line up the way Execute expects.
func deferredSubPlan(plan *planner.PlanV2, group *planner.DeferredGroupV2) *planner.PlanV2 {
	idMap := make(map[int]int, len(group.StepIDs))
	mini := &planner.PlanV2{
		OperationType: plan.OperationType,
	}

	for _, id := range group.StepIDs {
		for _, step := range plan.Steps {
			if step.ID != id {
				continue
			}
			copied := *step
			copied.ID = len(mini.Steps)
			idMap[id] = copied.ID
			mini.Steps = append(mini.Steps, &copied)
		}
	}

	for _, step := range mini.Steps {
		remapped := make([]int, 0, len(step.DependsOn))
		for _, dep := range step.DependsOn {
			if newID, ok := idMap[dep]; ok {
				remapped = append(remapped, newID)
			}
		}
		step.DependsOn = remapped
		if len(step.DependsOn) == 0 && step.StepType == planner.StepTypeQuery {
			mini.RootStepIndexes = append(mini.RootStepIndexes, step.ID)
		}
	}

	return mini
}

// extractAtPath walks data along path, mapping over array values so a path
// through a list yields the list of extracted payloads.
func extractAtPath(data any, path []string) any {
	if len(path) == 0 {
		return data
	}
	switch v := data.(type) {
	case map[string]interface{}:
		return extractAtPath(v[path[0]], path[1:])
	case []interface{}:
		out := make([]interface{}, 0, len(v))
		for _, elem := range v {
			out = append(out, extractAtPath(elem, path))
		}
		return out
	default:
		return nil
	}
}

func pathToAny(path []string) []any {
	out := make([]any, len(path))
	for i, seg := range path {
		out[i] = seg
	}
	return out
}
