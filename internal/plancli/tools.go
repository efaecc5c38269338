package plancli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/contenox/planengine/planexec"
	"github.com/contenox/planengine/toolregistry"
	"github.com/getkin/kin-openapi/openapi3"
	"github.com/google/uuid"
)

// demoRegistry describes the built-in tools planctl runs plans against.
func demoRegistry() *toolregistry.MemoryRegistry {
	object := func(required []string, props map[string]*openapi3.Schema) *openapi3.Schema {
		s := &openapi3.Schema{
			Type:       &openapi3.Types{openapi3.TypeObject},
			Required:   required,
			Properties: openapi3.Schemas{},
		}
		for name, p := range props {
			s.Properties[name] = p.NewRef()
		}
		return s
	}
	str := openapi3.NewStringSchema

	return toolregistry.NewMemoryRegistry(
		&toolregistry.Definition{
			Name:              "create_task",
			Description:       "Create a task in the task list.",
			Category:          "tasks",
			RiskLevel:         toolregistry.RiskLow,
			Parameters:        object([]string{"title"}, map[string]*openapi3.Schema{"title": str(), "due": str()}),
			EstimatedDuration: time.Second,
		},
		&toolregistry.Definition{
			Name:        "delete_task",
			Description: "Delete a task by id.",
			Category:    "tasks",
			RiskLevel:   toolregistry.RiskMedium,
			Parameters:  object([]string{"id"}, map[string]*openapi3.Schema{"id": str()}),
		},
		&toolregistry.Definition{
			Name:              "schedule_event",
			Description:       "Put an event on the calendar.",
			Category:          "calendar",
			RiskLevel:         toolregistry.RiskMedium,
			Parameters:        object([]string{"title", "start"}, map[string]*openapi3.Schema{"title": str(), "start": str()}),
			EstimatedDuration: 2 * time.Second,
		},
		&toolregistry.Definition{
			Name:        "cancel_event",
			Description: "Remove a calendar event by id.",
			Category:    "calendar",
			RiskLevel:   toolregistry.RiskMedium,
			Parameters:  object([]string{"id"}, map[string]*openapi3.Schema{"id": str()}),
		},
		&toolregistry.Definition{
			Name:              "sync_calendar",
			Description:       "Sync a remote calendar. Set simulate to timeout, rate_limit or auth to make it fail.",
			Category:          "calendar",
			RiskLevel:         toolregistry.RiskLow,
			Parameters:        object([]string{"calendar"}, map[string]*openapi3.Schema{"calendar": str(), "simulate": str()}),
			EstimatedDuration: 5 * time.Second,
		},
		&toolregistry.Definition{
			Name:              "send_email",
			Description:       "Send an email on the user's behalf.",
			Category:          "communication",
			RiskLevel:         toolregistry.RiskHigh,
			RequiresApproval:  true,
			Parameters:        object([]string{"to", "subject"}, map[string]*openapi3.Schema{"to": str(), "subject": str(), "body": str()}),
			EstimatedDuration: 3 * time.Second,
		},
		&toolregistry.Definition{
			Name:        "notify",
			Description: "Show the user a notification.",
			Category:    "communication",
			RiskLevel:   toolregistry.RiskLow,
			Parameters:  object([]string{"message"}, map[string]*openapi3.Schema{"message": str()}),
		},
	)
}

// demoTools implements the demo registry in process.
func demoTools() planexec.FuncEngine {
	return planexec.FuncEngine{
		"create_task": func(ctx context.Context, params map[string]any) (any, error) {
			return map[string]any{"id": "task-" + uuid.NewString()[:8], "title": params["title"]}, nil
		},
		"delete_task": func(ctx context.Context, params map[string]any) (any, error) {
			return map[string]any{"deleted": params["id"]}, nil
		},
		"schedule_event": func(ctx context.Context, params map[string]any) (any, error) {
			return map[string]any{"id": "event-" + uuid.NewString()[:8], "start": params["start"]}, nil
		},
		"cancel_event": func(ctx context.Context, params map[string]any) (any, error) {
			return map[string]any{"cancelled": params["id"]}, nil
		},
		"sync_calendar": syncCalendar,
		"send_email": func(ctx context.Context, params map[string]any) (any, error) {
			return map[string]any{"messageId": "msg-" + uuid.NewString()[:8], "to": params["to"]}, nil
		},
		"notify": func(ctx context.Context, params map[string]any) (any, error) {
			return fmt.Sprintf("notified: %v", params["message"]), nil
		},
	}
}

func syncCalendar(ctx context.Context, params map[string]any) (any, error) {
	switch params["simulate"] {
	case "timeout":
		return nil, &planexec.ToolError{Kind: "timeout", Retryable: true, Err: errors.New("calendar request timed out")}
	case "rate_limit":
		return nil, &planexec.ToolError{Kind: "rate_limit", Retryable: true, Err: errors.New("429 too many requests")}
	case "auth":
		return nil, errors.New("401 unauthorized: calendar token expired")
	}
	return map[string]any{"calendar": params["calendar"], "synced": true}, nil
}
