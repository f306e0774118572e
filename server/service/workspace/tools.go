package workspace

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/compasshq/compass/plugin/ai/agent"
	"github.com/compasshq/compass/plugin/ai/contextload"
)

var projectScopes = []contextload.ScopeType{
	contextload.ScopeProject,
	contextload.ScopeProjectAudit,
	contextload.ScopeProjectForecast,
}

// openProjectResult re-anchors the conversation on the opened project.
type openProjectResult struct {
	Project *Project `json:"project"`
}

func (r openProjectResult) ToolSideEffects() *agent.SideEffects {
	return &agent.SideEffects{
		ContextShift: &agent.ContextShift{
			NewContext: string(contextload.ScopeProject),
			EntityID:   r.Project.ID,
			EntityName: r.Project.Name,
			EntityType: "project",
			Message:    fmt.Sprintf("Switched to project %s", r.Project.Name),
		},
		EntityUpdates: []agent.EntityRef{{ID: r.Project.ID, Kind: "project", Name: r.Project.Name}},
	}
}

// RegisterTools wires the workspace tool set into a registry.
func (s *Service) RegisterTools(registry *agent.Registry) error {
	tools := []struct {
		def     agent.Definition
		handler agent.Handler
	}{
		{
			def: agent.Definition{
				Name:        "list_projects",
				Description: "List the user's projects with their status.",
				Parameters: map[string]any{
					"type":       "object",
					"properties": map[string]any{},
				},
			},
			handler: s.handleListProjects,
		},
		{
			def: agent.Definition{
				Name:        "open_project",
				Description: "Open a project by name or id and make it the conversation's subject.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"project": map[string]any{"type": "string", "description": "Project name or id."},
					},
					"required": []string{"project"},
				},
				Keywords: []string{"open", "switch", "project", "look at"},
			},
			handler: s.handleOpenProject,
		},
		{
			def: agent.Definition{
				Name:        "create_task",
				Description: "Create a task in a project.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"project_id": map[string]any{"type": "string"},
						"title":      map[string]any{"type": "string"},
					},
					"required": []string{"project_id", "title"},
				},
				Keywords:           []string{"task", "todo", "add", "create"},
				RequiredScopeParam: "project_id",
			},
			handler: s.handleCreateTask,
		},
		{
			def: agent.Definition{
				Name:        "list_tasks",
				Description: "List the tasks of a project.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"project_id": map[string]any{"type": "string"},
						"status":     map[string]any{"type": "string", "enum": []string{"open", "done"}},
					},
					"required": []string{"project_id"},
				},
				Scopes:             projectScopes,
				RequiredScopeParam: "project_id",
			},
			handler: s.handleListTasks,
		},
		{
			def: agent.Definition{
				Name:        "complete_task",
				Description: "Mark a task as done.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"task_id": map[string]any{"type": "string"},
					},
					"required": []string{"task_id"},
				},
				Keywords: []string{"done", "complete", "finish", "close"},
				Scopes:   projectScopes,
			},
			handler: s.handleCompleteTask,
		},
		{
			def: agent.Definition{
				Name:        "list_goals",
				Description: "List the goals of a project with their progress.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"project_id": map[string]any{"type": "string"},
					},
					"required": []string{"project_id"},
				},
				Keywords:           []string{"goal", "progress", "objective"},
				Scopes:             projectScopes,
				RequiredScopeParam: "project_id",
			},
			handler: s.handleListGoals,
		},
		{
			def: agent.Definition{
				Name:        "get_daily_brief",
				Description: "Fetch the contents of a daily brief.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"brief_id": map[string]any{"type": "string"},
					},
					"required": []string{"brief_id"},
				},
				Scopes:             []contextload.ScopeType{contextload.ScopeDailyBrief},
				RequiredScopeParam: "brief_id",
			},
			handler: s.handleGetDailyBrief,
		},
	}

	for _, t := range tools {
		if err := registry.Register(t.def, t.handler); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) handleListProjects(_ context.Context, svc *agent.ServiceContext, _ json.RawMessage) (any, error) {
	projects := s.userProjects(svc.UserID)
	accessed := make([]string, 0, len(projects))
	for _, p := range projects {
		accessed = append(accessed, p.ID)
	}
	return map[string]any{
		"projects":           projects,
		"_entities_accessed": accessed,
	}, nil
}

func (s *Service) handleOpenProject(ctx context.Context, svc *agent.ServiceContext, args json.RawMessage) (any, error) {
	var params struct {
		Project string `json:"project"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	if params.Project == "" {
		return nil, fmt.Errorf("project is required")
	}

	p, ok := s.project(params.Project)
	if !ok {
		p, ok = s.projectByName(params.Project)
	}
	if !ok {
		return nil, fmt.Errorf("no project matching %q", params.Project)
	}
	if allowed, _ := s.HasAccess(ctx, svc.UserID, p.ID, agent.AccessRead); !allowed {
		return nil, fmt.Errorf("no project matching %q", params.Project)
	}
	return openProjectResult{Project: p}, nil
}

func (s *Service) handleCreateTask(_ context.Context, _ *agent.ServiceContext, args json.RawMessage) (any, error) {
	var params struct {
		ProjectID string `json:"project_id"`
		Title     string `json:"title"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	if params.Title == "" {
		return nil, fmt.Errorf("title is required")
	}
	task, err := s.CreateTask(params.ProjectID, params.Title)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"task":               task,
		"_entities_accessed": []string{params.ProjectID},
	}, nil
}

func (s *Service) handleListTasks(_ context.Context, _ *agent.ServiceContext, args json.RawMessage) (any, error) {
	var params struct {
		ProjectID string `json:"project_id"`
		Status    string `json:"status"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	if _, ok := s.project(params.ProjectID); !ok {
		return nil, fmt.Errorf("project %s not found", params.ProjectID)
	}

	all := s.projectTasks(params.ProjectID)
	tasks := make([]*Task, 0, len(all))
	for _, t := range all {
		if params.Status != "" && t.Status != params.Status {
			continue
		}
		tasks = append(tasks, t)
	}
	return map[string]any{
		"tasks":              tasks,
		"_entities_accessed": []string{params.ProjectID},
	}, nil
}

func (s *Service) handleCompleteTask(_ context.Context, _ *agent.ServiceContext, args json.RawMessage) (any, error) {
	var params struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[params.TaskID]
	if !ok {
		return nil, fmt.Errorf("task %s not found", params.TaskID)
	}
	task.Status = "done"
	return map[string]any{"task": task}, nil
}

func (s *Service) handleListGoals(_ context.Context, _ *agent.ServiceContext, args json.RawMessage) (any, error) {
	var params struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	if _, ok := s.project(params.ProjectID); !ok {
		return nil, fmt.Errorf("project %s not found", params.ProjectID)
	}
	return map[string]any{
		"goals":              s.projectGoals(params.ProjectID),
		"_entities_accessed": []string{params.ProjectID},
	}, nil
}

func (s *Service) handleGetDailyBrief(_ context.Context, _ *agent.ServiceContext, args json.RawMessage) (any, error) {
	var params struct {
		BriefID string `json:"brief_id"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	s.mu.RLock()
	brief, ok := s.briefs[params.BriefID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("brief %s not found", params.BriefID)
	}
	return map[string]any{"brief": brief}, nil
}
