package executor_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/n9te9/go-graphql-federation-gateway/federation/executor"
	"github.com/n9te9/go-graphql-federation-gateway/federation/graph"
	"github.com/n9te9/go-graphql-federation-gateway/federation/planner"
	"github.com/n9te9/graphql-parser/ast"
)

func TestExecuteSubscription_EmitsPerEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Error("test server must support flushing")
			return
		}
		for _, event := range []string{
			`{"data":{"reviewAdded":{"body":"first"}}}`,
			`{"data":{"reviewAdded":{"body":"second"}}}`,
		} {
			w.Write([]byte("data: " + event + "\n\n"))
			flusher.Flush()
		}
	}))
	defer server.Close()

	plan := &planner.PlanV2{
		OperationType: "subscription",
		Steps: []*planner.StepV2{
			{
				ID:           0,
				SubGraph:     &graph.SubGraphV2{Name: "reviews", Host: server.URL},
				StepType:     planner.StepTypeQuery,
				ParentType:   "Subscription",
				SelectionSet: []ast.Selection{namedField("reviewAdded")},
				DependsOn:    []int{},
			},
		},
		RootStepIndexes: []int{0},
	}

	exec := executor.NewExecutorV2(http.DefaultClient, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var events []map[string]interface{}
	err := exec.ExecuteSubscription(ctx, plan, nil, func(event map[string]interface{}) error {
		events = append(events, event)
		return nil
	})
	if err != nil && err != context.DeadlineExceeded {
		t.Fatalf("ExecuteSubscription: %v", err)
	}

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}

	first, ok := events[0]["data"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected event data, got %T", events[0]["data"])
	}
	review, ok := first["reviewAdded"].(map[string]interface{})
	if !ok || review["body"] != "first" {
		t.Errorf("unexpected first event: %v", first)
	}
}

func TestExecuteSubscription_UpstreamErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no subscriptions here", http.StatusBadGateway)
	}))
	defer server.Close()

	plan := &planner.PlanV2{
		OperationType: "subscription",
		Steps: []*planner.StepV2{
			{
				ID:           0,
				SubGraph:     &graph.SubGraphV2{Name: "reviews", Host: server.URL},
				StepType:     planner.StepTypeQuery,
				ParentType:   "Subscription",
				SelectionSet: []ast.Selection{namedField("reviewAdded")},
				DependsOn:    []int{},
			},
		},
		RootStepIndexes: []int{0},
	}

	exec := executor.NewExecutorV2(http.DefaultClient, nil)
	err := exec.ExecuteSubscription(context.Background(), plan, nil, func(map[string]interface{}) error { return nil })
	if err == nil {
		t.Fatal("expected an error for a non-2xx upstream")
	}
}
