package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"taskflow/internal/cache"
	"taskflow/internal/errors"
	"taskflow/internal/model"
	"taskflow/internal/repository"
)

const (
	// DefaultPageSize matches the client's task grid.
	DefaultPageSize = 6
	// MaxPageSize caps the limit query parameter.
	MaxPageSize = 100

	statsCacheKey = "tasks:stats"
	statsCacheTTL = 30 * time.Second
)

// CreateTaskInput carries the fields accepted on task creation.
type CreateTaskInput struct {
	Title       string
	Description string
	Status      string
	Priority    string
	DueDate     string
}

// UpdateTaskInput carries a partial update: nil fields are left unchanged.
// An empty DueDate string clears the due date.
type UpdateTaskInput struct {
	Title       *string
	Description *string
	Status      *string
	Priority    *string
	DueDate     *string
}

// ListTasksInput carries the listing query: optional exact-match filters and
// 1-indexed pagination.
type ListTasksInput struct {
	Status   string
	Priority string
	Page     int
	Limit    int
}

// TaskPage is one page of a task listing.
type TaskPage struct {
	Items []model.Task
	Page  int
	Pages int
	Total int64
}

// TaskStats is the system-wide aggregate for admins.
type TaskStats struct {
	Total    int64                    `json:"total"`
	ByStatus []repository.StatusCount `json:"byStatus"`
}

// TaskService orchestrates validation, ownership enforcement, and repository
// calls for the task CRUD surface.
type TaskService interface {
	Create(ctx context.Context, ownerID uint, in CreateTaskInput) (*model.Task, error)
	List(ctx context.Context, ownerID uint, in ListTasksInput) (*TaskPage, error)
	Get(ctx context.Context, ownerID, taskID uint) (*model.Task, error)
	Update(ctx context.Context, ownerID, taskID uint, in UpdateTaskInput) (*model.Task, error)
	Delete(ctx context.Context, ownerID, taskID uint) error
	Stats(ctx context.Context) (*TaskStats, error)
}

type taskService struct {
	repo  repository.TaskRepository
	cache *cache.Client
}

// NewTaskService creates a new task service.
func NewTaskService(repo repository.TaskRepository, cache *cache.Client) TaskService {
	return &taskService{repo: repo, cache: cache}
}

// Create validates fields and persists a task owned by ownerID.
func (s *taskService) Create(ctx context.Context, ownerID uint, in CreateTaskInput) (*model.Task, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, errors.Validationf("title is required")
	}

	status := in.Status
	if status == "" {
		status = model.StatusPending
	}
	if !model.ValidStatus(status) {
		return nil, errors.Validationf("status must be one of: pending, in-progress, completed")
	}

	priority := in.Priority
	if priority == "" {
		priority = model.PriorityMedium
	}
	if !model.ValidPriority(priority) {
		return nil, errors.Validationf("priority must be one of: low, medium, high")
	}

	dueDate, err := parseDueDate(in.DueDate)
	if err != nil {
		return nil, err
	}

	task := &model.Task{
		Title:       title,
		Description: in.Description,
		Status:      status,
		Priority:    priority,
		DueDate:     dueDate,
		UserID:      ownerID,
	}
	if err := s.repo.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	s.invalidateStats(ctx)
	return task, nil
}

// List returns one page of the owner's tasks. The scope is always the owner,
// regardless of role; admins get system-wide visibility only through Stats.
func (s *taskService) List(ctx context.Context, ownerID uint, in ListTasksInput) (*TaskPage, error) {
	if in.Status != "" && !model.ValidStatus(in.Status) {
		return nil, errors.Validationf("status must be one of: pending, in-progress, completed")
	}
	if in.Priority != "" && !model.ValidPriority(in.Priority) {
		return nil, errors.Validationf("priority must be one of: low, medium, high")
	}

	page := in.Page
	if page < 1 {
		page = 1
	}
	limit := in.Limit
	if limit < 1 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	filter := repository.TaskFilter{Status: in.Status, Priority: in.Priority}
	items, total, err := s.repo.ListByOwner(ctx, ownerID, filter, (page-1)*limit, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	if items == nil {
		// Keep the JSON payload an array, never null.
		items = []model.Task{}
	}

	pages := int((total + int64(limit) - 1) / int64(limit))
	return &TaskPage{Items: items, Page: page, Pages: pages, Total: total}, nil
}

// Get fetches a single owned task.
func (s *taskService) Get(ctx context.Context, ownerID, taskID uint) (*model.Task, error) {
	task, err := s.repo.FindByOwner(ctx, ownerID, taskID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errors.ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

// Update merges only the provided fields into an owned task.
func (s *taskService) Update(ctx context.Context, ownerID, taskID uint, in UpdateTaskInput) (*model.Task, error) {
	task, err := s.Get(ctx, ownerID, taskID)
	if err != nil {
		return nil, err
	}

	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" {
			return nil, errors.Validationf("title must not be empty")
		}
		task.Title = title
	}
	if in.Description != nil {
		task.Description = *in.Description
	}
	if in.Status != nil {
		if !model.ValidStatus(*in.Status) {
			return nil, errors.Validationf("status must be one of: pending, in-progress, completed")
		}
		task.Status = *in.Status
	}
	if in.Priority != nil {
		if !model.ValidPriority(*in.Priority) {
			return nil, errors.Validationf("priority must be one of: low, medium, high")
		}
		task.Priority = *in.Priority
	}
	if in.DueDate != nil {
		dueDate, err := parseDueDate(*in.DueDate)
		if err != nil {
			return nil, err
		}
		task.DueDate = dueDate
	}

	if err := s.repo.Update(ctx, task); err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}

	s.invalidateStats(ctx)
	return task, nil
}

// Delete removes an owned task.
func (s *taskService) Delete(ctx context.Context, ownerID, taskID uint) error {
	if err := s.repo.DeleteByOwner(ctx, ownerID, taskID); err != nil {
		if err == gorm.ErrRecordNotFound {
			return errors.ErrTaskNotFound
		}
		return fmt.Errorf("delete task: %w", err)
	}

	s.invalidateStats(ctx)
	return nil
}

// Stats returns the system-wide aggregate, cached briefly. Missing status
// buckets are filled with zero counts so the shape is stable.
func (s *taskService) Stats(ctx context.Context) (*TaskStats, error) {
	if data, _ := s.cache.Get(ctx, statsCacheKey); data != nil {
		var cached TaskStats
		if err := json.Unmarshal(data, &cached); err == nil {
			return &cached, nil
		}
	}

	rows, total, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	byStatus := make([]repository.StatusCount, 0, len(model.Statuses))
	for _, status := range model.Statuses {
		byStatus = append(byStatus, repository.StatusCount{Status: status, Count: counts[status]})
	}

	stats := &TaskStats{Total: total, ByStatus: byStatus}
	if payload, err := json.Marshal(stats); err == nil {
		_ = s.cache.Set(ctx, statsCacheKey, payload, statsCacheTTL)
	}
	return stats, nil
}

func (s *taskService) invalidateStats(ctx context.Context) {
	_ = s.cache.Delete(ctx, statsCacheKey)
}

// parseDueDate accepts RFC3339 or a bare date; empty input means no due date.
func parseDueDate(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t, nil
		}
	}
	return nil, errors.Validationf("due_date must be an RFC 3339 timestamp or YYYY-MM-DD")
}
