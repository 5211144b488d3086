package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
)

type TaskRepo struct {
	pool *pgxpool.Pool
}

func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

func (r *TaskRepo) ArchiveTask(ctx context.Context, t TaskRecord) error {
	if t.TaskID == "" {
		return errors.New("task_id 不能为空")
	}
	requirements, err := json.Marshal(t.Requirements)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
insert into task(task_id, priority, requirements, cost, affinity, payload, status, retry_count, assigned_worker, last_error, submitted_at, enqueued_at, finished_at)
values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
on conflict (task_id) do update
set status = excluded.status,
    retry_count = excluded.retry_count,
    assigned_worker = excluded.assigned_worker,
    last_error = excluded.last_error,
    finished_at = excluded.finished_at,
    updated_at = now()
`, t.TaskID, t.Priority, requirements, t.Cost, t.Affinity, t.Payload, t.Status, t.RetryCount, t.AssignedWorker, t.LastError, t.SubmittedAt, t.EnqueuedAt, t.FinishedAt)
	return err
}

func (r *TaskRepo) GetTask(ctx context.Context, taskID string) (*TaskRecord, error) {
	row := r.pool.QueryRow(ctx, `
select task_id, priority, coalesce(requirements,'[]'), cost, coalesce(affinity,''), payload, status, retry_count, coalesce(assigned_worker,''), coalesce(last_error,''), submitted_at, enqueued_at, finished_at
from task
where task_id=$1
`, taskID)

	var t TaskRecord
	var requirements []byte
	if err := row.Scan(&t.TaskID, &t.Priority, &requirements, &t.Cost, &t.Affinity, &t.Payload, &t.Status, &t.RetryCount, &t.AssignedWorker, &t.LastError, &t.SubmittedAt, &t.EnqueuedAt, &t.FinishedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(requirements, &t.Requirements); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TaskRepo) ListTasks(ctx context.Context, f ListTasksFilter) ([]TaskRecord, error) {
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := r.pool.Query(ctx, `
select task_id, priority, coalesce(requirements,'[]'), cost, coalesce(affinity,''), payload, status, retry_count, coalesce(assigned_worker,''), coalesce(last_error,''), submitted_at, enqueued_at, finished_at
from task
where ($1='' or assigned_worker=$1)
  and ($2='' or status=$2)
  and ($3=-1 or priority=$3)
order by finished_at desc
limit $4 offset $5
`, f.WorkerName, f.Status, f.Priority, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var t TaskRecord
		var requirements []byte
		if err := rows.Scan(&t.TaskID, &t.Priority, &requirements, &t.Cost, &t.Affinity, &t.Payload, &t.Status, &t.RetryCount, &t.AssignedWorker, &t.LastError, &t.SubmittedAt, &t.EnqueuedAt, &t.FinishedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(requirements, &t.Requirements); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *TaskRepo) CountTasks(ctx context.Context, f ListTasksFilter) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
select count(*)
from task
where ($1='' or assigned_worker=$1)
  and ($2='' or status=$2)
  and ($3=-1 or priority=$3)
`, f.WorkerName, f.Status, f.Priority).Scan(&count)
	return count, err
}

func (r *TaskRepo) InsertAttempt(ctx context.Context, a Attempt) error {
	_, err := r.pool.Exec(ctx, `
insert into task_attempt(task_id, worker_name, attempt, outcome, error, latency_ms, reported_at)
values ($1,$2,$3,$4,$5,$6,$7)
`, a.TaskID, a.WorkerName, a.Attempt, a.Outcome, a.Error, a.LatencyMs, a.ReportedAt)
	return err
}

func (r *TaskRepo) ListAttempts(ctx context.Context, taskID string, limit int) ([]Attempt, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
select task_id, worker_name, attempt, outcome, coalesce(error,''), latency_ms, reported_at
from task_attempt
where task_id=$1
order by reported_at desc
limit $2
`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.TaskID, &a.WorkerName, &a.Attempt, &a.Outcome, &a.Error, &a.LatencyMs, &a.ReportedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
