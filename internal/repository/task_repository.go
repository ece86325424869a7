package repository

import (
	"context"

	"gorm.io/gorm"

	"taskflow/internal/model"
)

// TaskFilter restricts a task listing. Empty fields apply no constraint;
// set fields compose with AND semantics.
type TaskFilter struct {
	Status   string
	Priority string
}

// StatusCount is one bucket of the aggregate stats.
type StatusCount struct {
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

// TaskRepository defines task persistence operations. Every per-task lookup
// is scoped to the owner: a task owned by someone else is reported as
// gorm.ErrRecordNotFound, the same as a task that does not exist.
type TaskRepository interface {
	Create(ctx context.Context, task *model.Task) error
	ListByOwner(ctx context.Context, ownerID uint, filter TaskFilter, offset, limit int) ([]model.Task, int64, error)
	FindByOwner(ctx context.Context, ownerID, taskID uint) (*model.Task, error)
	Update(ctx context.Context, task *model.Task) error
	DeleteByOwner(ctx context.Context, ownerID, taskID uint) error
	CountByStatus(ctx context.Context) ([]StatusCount, int64, error)
}

type taskRepository struct {
	db *gorm.DB
}

// NewTaskRepository builds a GORM-backed task repository.
func NewTaskRepository(db *gorm.DB) TaskRepository {
	return &taskRepository{db: db}
}

func (r *taskRepository) Create(ctx context.Context, task *model.Task) error {
	return r.db.WithContext(ctx).Create(task).Error
}

func (r *taskRepository) scoped(ctx context.Context, ownerID uint, filter TaskFilter) *gorm.DB {
	q := r.db.WithContext(ctx).Model(&model.Task{}).Where("user_id = ?", ownerID)
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Priority != "" {
		q = q.Where("priority = ?", filter.Priority)
	}
	return q
}

// ListByOwner returns one page of the owner's tasks, newest first, along with
// the total match count before pagination.
func (r *taskRepository) ListByOwner(ctx context.Context, ownerID uint, filter TaskFilter, offset, limit int) ([]model.Task, int64, error) {
	var total int64
	if err := r.scoped(ctx, ownerID, filter).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var tasks []model.Task
	err := r.scoped(ctx, ownerID, filter).
		Order("created_at DESC, id DESC").
		Offset(offset).
		Limit(limit).
		Find(&tasks).Error
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

func (r *taskRepository) FindByOwner(ctx context.Context, ownerID, taskID uint) (*model.Task, error) {
	var task model.Task
	err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", taskID, ownerID).
		First(&task).Error
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *taskRepository) Update(ctx context.Context, task *model.Task) error {
	return r.db.WithContext(ctx).Save(task).Error
}

func (r *taskRepository) DeleteByOwner(ctx context.Context, ownerID, taskID uint) error {
	res := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", taskID, ownerID).
		Delete(&model.Task{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// CountByStatus returns the system-wide task count grouped by status, plus
// the overall total.
func (r *taskRepository) CountByStatus(ctx context.Context) ([]StatusCount, int64, error) {
	var rows []StatusCount
	err := r.db.WithContext(ctx).
		Model(&model.Task{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, 0, err
	}

	var total int64
	for _, row := range rows {
		total += row.Count
	}
	return rows, total, nil
}
