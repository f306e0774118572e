// Package workspace is the domain data collaborator: projects, tasks, goals
// and daily briefs, with the snapshot fetcher, access checks and tool
// handlers the chat subsystem consumes.
package workspace

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/compasshq/compass/plugin/ai/agent"
	"github.com/compasshq/compass/plugin/ai/contextload"
)

// Project is a workspace project.
type Project struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	OwnerID   int32  `json:"-"`
	CreatedTs int64  `json:"created_ts"`
}

// Task is a unit of work inside a project.
type Task struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Title     string `json:"title"`
	Status    string `json:"status"` // open, done
	CreatedTs int64  `json:"created_ts"`
}

// Goal is a measurable objective inside a project.
type Goal struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Title     string `json:"title"`
	Progress  int    `json:"progress"` // 0..100
}

// Brief is a point-in-time digest of a user's workspace.
type Brief struct {
	ID         string   `json:"id"`
	OwnerID    int32    `json:"-"`
	Date       string   `json:"date"`
	Highlights []string `json:"highlights"`
}

// Service holds the workspace in memory. Production deployments swap this
// for a real backend; the chat subsystem only sees the interfaces.
type Service struct {
	mu       sync.RWMutex
	projects map[string]*Project
	tasks    map[string]*Task
	goals    map[string]*Goal
	briefs   map[string]*Brief
	now      func() time.Time
}

// NewService creates an empty workspace service.
func NewService() *Service {
	return &Service{
		projects: make(map[string]*Project),
		tasks:    make(map[string]*Task),
		goals:    make(map[string]*Goal),
		briefs:   make(map[string]*Brief),
		now:      time.Now,
	}
}

// CreateProject adds a project owned by a user.
func (s *Service) CreateProject(ownerID int32, name string) *Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &Project{
		ID:        "proj_" + shortuuid.New(),
		Name:      name,
		Status:    "active",
		OwnerID:   ownerID,
		CreatedTs: s.now().Unix(),
	}
	s.projects[p.ID] = p
	return p
}

// CreateTask adds a task to a project.
func (s *Service) CreateTask(projectID, title string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[projectID]; !ok {
		return nil, fmt.Errorf("project %s not found", projectID)
	}
	t := &Task{
		ID:        "task_" + shortuuid.New(),
		ProjectID: projectID,
		Title:     title,
		Status:    "open",
		CreatedTs: s.now().Unix(),
	}
	s.tasks[t.ID] = t
	return t, nil
}

// CreateGoal adds a goal to a project.
func (s *Service) CreateGoal(projectID, title string, progress int) (*Goal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[projectID]; !ok {
		return nil, fmt.Errorf("project %s not found", projectID)
	}
	g := &Goal{
		ID:        "goal_" + shortuuid.New(),
		ProjectID: projectID,
		Title:     title,
		Progress:  progress,
	}
	s.goals[g.ID] = g
	return g, nil
}

// CreateBrief adds a daily brief for a user.
func (s *Service) CreateBrief(ownerID int32, date string, highlights []string) *Brief {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := &Brief{
		ID:         "brief_" + shortuuid.New(),
		OwnerID:    ownerID,
		Date:       date,
		Highlights: highlights,
	}
	s.briefs[b.ID] = b
	return b
}

func (s *Service) project(id string) (*Project, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	return p, ok
}

func (s *Service) projectByName(name string) (*Project, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lower := strings.ToLower(name)
	for _, p := range s.projects {
		if strings.ToLower(p.Name) == lower {
			return p, true
		}
	}
	return nil, false
}

func (s *Service) projectTasks(projectID string) []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Task
	for _, t := range s.tasks {
		if t.ProjectID == projectID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedTs < out[j].CreatedTs })
	return out
}

func (s *Service) projectGoals(projectID string) []*Goal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Goal
	for _, g := range s.goals {
		if g.ProjectID == projectID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Service) userProjects(ownerID int32) []*Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Project
	for _, p := range s.projects {
		if p.OwnerID == ownerID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedTs < out[j].CreatedTs })
	return out
}

// HasAccess implements agent.AccessChecker. Ownership is the only policy:
// an unknown entity or a foreign owner is an explicit denial.
func (s *Service) HasAccess(_ context.Context, userID int32, entityID string, _ agent.AccessLevel) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.projects[entityID]; ok {
		return p.OwnerID == userID, nil
	}
	if b, ok := s.briefs[entityID]; ok {
		return b.OwnerID == userID, nil
	}
	if t, ok := s.tasks[entityID]; ok {
		p, ok := s.projects[t.ProjectID]
		return ok && p.OwnerID == userID, nil
	}
	return false, nil
}

// FetchSnapshot implements contextload.SnapshotFetcher.
func (s *Service) FetchSnapshot(_ context.Context, scope contextload.Scope, focus string) (*contextload.PromptContext, error) {
	switch scope.Type {
	case contextload.ScopeGlobal:
		return s.globalSnapshot(focus)
	case contextload.ScopeProject:
		return s.projectSnapshot(scope, focus, "")
	case contextload.ScopeProjectAudit:
		return s.projectSnapshot(scope, focus, "audit")
	case contextload.ScopeProjectForecast:
		return s.projectSnapshot(scope, focus, "forecast")
	case contextload.ScopeDailyBrief:
		return s.briefSnapshot(scope)
	default:
		return nil, fmt.Errorf("unknown scope type %q", scope.Type)
	}
}

func (s *Service) globalSnapshot(focus string) (*contextload.PromptContext, error) {
	s.mu.RLock()
	names := make([]string, 0, len(s.projects))
	summaries := make([]map[string]any, 0, len(s.projects))
	for _, p := range s.projects {
		names = append(names, p.Name)
		summaries = append(summaries, map[string]any{
			"id": p.ID, "name": p.Name, "status": p.Status,
		})
	}
	s.mu.RUnlock()
	sort.Strings(names)
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i]["id"].(string) < summaries[j]["id"].(string)
	})

	return &contextload.PromptContext{
		DisplayName: "Workspace",
		Preamble:    "The conversation covers the whole workspace: " + strings.Join(names, ", ") + ".",
		Data:        map[string]any{"projects": summaries},
		Focus:       focus,
	}, nil
}

func (s *Service) projectSnapshot(scope contextload.Scope, focus, report string) (*contextload.PromptContext, error) {
	p, ok := s.project(scope.EntityID)
	if !ok {
		return nil, fmt.Errorf("project %s not found", scope.EntityID)
	}
	tasks := s.projectTasks(p.ID)
	goals := s.projectGoals(p.ID)

	open := 0
	for _, t := range tasks {
		if t.Status == "open" {
			open++
		}
	}

	data := map[string]any{
		"project": p,
		"tasks":   tasks,
		"goals":   goals,
		"counts":  map[string]int{"tasks": len(tasks), "open_tasks": open, "goals": len(goals)},
	}
	preamble := fmt.Sprintf("The conversation is anchored on project %q (%s): %d tasks, %d open.", p.Name, p.ID, len(tasks), open)
	switch report {
	case "audit":
		preamble += " The user is reviewing an audit of this project; focus on risks and stale work."
	case "forecast":
		preamble += " The user is reviewing a forecast; focus on remaining work and goal progress."
	}

	return &contextload.PromptContext{
		DisplayName: p.Name,
		Preamble:    preamble,
		Data:        data,
		Focus:       focus,
	}, nil
}

func (s *Service) briefSnapshot(scope contextload.Scope) (*contextload.PromptContext, error) {
	s.mu.RLock()
	b, ok := s.briefs[scope.EntityID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("brief %s not found", scope.EntityID)
	}
	return &contextload.PromptContext{
		DisplayName: "Daily brief " + b.Date,
		Preamble:    fmt.Sprintf("The conversation is anchored on the daily brief for %s.", b.Date),
		Data:        map[string]any{"brief": b},
	}, nil
}
