package executor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/n9te9/go-graphql-federation-gateway/federation/apperrors"
	"github.com/n9te9/go-graphql-federation-gateway/federation/planner"
)

// ExecuteSubscription opens the plan's primary fetch as a server-sent-event
// stream against its subgraph and, for every event, runs the remaining plan
// steps (entity fetches into other subgraphs) before emitting the combined
// event to the caller. It blocks until the upstream stream closes, ctx is
// cancelled, or emit returns an error.
func (e *ExecutorV2) ExecuteSubscription(
	ctx context.Context,
	plan *planner.PlanV2,
	variables map[string]interface{},
	emit func(map[string]interface{}) error,
) error {
	if len(plan.RootStepIndexes) == 0 {
		return apperrors.UnplannableOperation("subscription plan has no primary fetch")
	}
	rootStep := plan.Steps[plan.RootStepIndexes[0]]
	if rootStep.SubGraph == nil {
		return fmt.Errorf("subscription step %d has nil subgraph", rootStep.ID)
	}

	query, queryVars, err := e.queryBuilder.Build(rootStep, nil, variables, plan.OperationType)
	if err != nil {
		return fmt.Errorf("failed to build subscription query: %w", err)
	}

	reqBody := map[string]interface{}{"query": query}
	if len(queryVars) > 0 {
		reqBody["variables"] = queryVars
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", rootStep.SubGraph.Host, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create subscription request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return apperrors.SubrequestHTTPError(rootStep.SubGraph.Name, 0, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperrors.SubrequestHTTPError(rootStep.SubGraph.Name, resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}

		var event map[string]interface{}
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			return apperrors.SubrequestMalformedResponse(rootStep.SubGraph.Name, payload)
		}

		combined, err := e.resolveSubscriptionEvent(ctx, plan, rootStep, event, variables)
		if err != nil {
			return err
		}
		if err := emit(combined); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return apperrors.SubrequestHTTPError(rootStep.SubGraph.Name, 0, err.Error())
	}
	return ctx.Err()
}

// resolveSubscriptionEvent runs the plan's follow-up steps against one
// subscription event's data and assembles the combined per-event response.
func (e *ExecutorV2) resolveSubscriptionEvent(
	ctx context.Context,
	plan *planner.PlanV2,
	rootStep *planner.StepV2,
	event map[string]interface{},
	variables map[string]interface{},
) (map[string]interface{}, error) {
	execCtx := &ExecutionContext{
		ctx:     ctx,
		plan:    plan,
		results: map[int]interface{}{rootStep.ID: event},
		errors:  make([]GraphQLError, 0),
	}

	if eventErrors, hasErrors := event["errors"]; hasErrors && eventErrors != nil {
		e.recordSubgraphErrors(execCtx, rootStep, eventErrors)
	}

	// Follow-up fetches become ready now that the primary result exists.
	if ready := e.findReadySteps(execCtx); len(ready) > 0 {
		_ = e.executeSteps(execCtx, ready, variables)
	}

	execCtx.mu.RLock()
	defer execCtx.mu.RUnlock()

	response := map[string]interface{}{}
	if rootResult, ok := execCtx.results[rootStep.ID].(map[string]interface{}); ok {
		response["data"] = rootResult["data"]
	}
	if len(execCtx.errors) > 0 {
		response["errors"] = execCtx.errors
	}
	return e.pruneResponse(response, plan), nil
}
