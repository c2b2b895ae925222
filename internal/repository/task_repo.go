package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taras-bel/freelance/backend/internal/models"
)

// TaskRepo reads tasks owned by the task service. It never writes.
type TaskRepo struct {
	pool *pgxpool.Pool
}

func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

func (r *TaskRepo) GetByID(ctx context.Context, id int64) (*models.Task, error) {
	var t models.Task
	err := r.pool.QueryRow(ctx, `
		SELECT id, creator_id, assigned_to_id, title, status FROM tasks WHERE id = $1
	`, id).Scan(&t.ID, &t.CreatorID, &t.AssigneeID, &t.Title, &t.Status)
	if err != nil {
		return nil, mapErr(err, fmt.Sprintf("task %d", id))
	}
	return &t, nil
}
