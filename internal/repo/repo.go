package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"verus/internal/domain"
)

// Repo is the durable job store. It owns no lifecycle logic: the engine
// decides transitions, the repo enforces them with conditional updates so
// concurrent requests for the same job cannot both win.
type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrStaleStatus reports a conditional update that matched no row because
	// the job moved on since it was read.
	ErrStaleStatus = errors.New("job status changed concurrently")
)

func scanJob(row *sql.Row) (domain.Job, error) {
	var j domain.Job
	var freelancer, freelancerAuth sql.NullString
	err := row.Scan(&j.ID, &j.Description, &j.AcceptanceCriteria, &j.Status, &j.TopicRef,
		&j.SponsorFeedbackAuth, &freelancer, &freelancerAuth, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if freelancer.Valid {
		j.FreelancerAddress = &freelancer.String
	}
	if freelancerAuth.Valid {
		j.FreelancerFeedbackAuth = &freelancerAuth.String
	}
	return j, err
}

const jobColumns = `id,description,acceptance_criteria,status,topic_ref,sponsor_feedback_auth,freelancer_address,freelancer_feedback_auth,created_at,updated_at`

// InsertJob persists a new open job and returns its assigned id.
func (r Repo) InsertJob(ctx context.Context, j domain.Job) (int64, error) {
	res, err := r.DB.ExecContext(ctx,
		`INSERT INTO jobs(description,acceptance_criteria,status,topic_ref,sponsor_feedback_auth,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		j.Description, j.AcceptanceCriteria, j.Status, j.TopicRef, j.SponsorFeedbackAuth, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetJob(ctx context.Context, id int64) (domain.Job, error) {
	return scanJob(r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
}

// AcceptJob binds the freelancer to an open job. The WHERE status guard makes
// acceptance exactly-once: the second caller gets ErrStaleStatus, never a
// silent overwrite of the freelancer fields.
func (r Repo) AcceptJob(ctx context.Context, id int64, walletAddress, feedbackAuth string, now time.Time) (domain.Job, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE jobs SET status=?, freelancer_address=?, freelancer_feedback_auth=?, updated_at=? WHERE id=? AND status=?`,
		domain.JobAccepted, walletAddress, feedbackAuth, now.UTC().Format(time.RFC3339), id, domain.JobOpen)
	if err != nil {
		return domain.Job{}, err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		if _, err := r.GetJob(ctx, id); err != nil {
			return domain.Job{}, err
		}
		return domain.Job{}, ErrStaleStatus
	}
	return r.GetJob(ctx, id)
}

// CompleteJob transitions an accepted job to completed, conditionally.
func (r Repo) CompleteJob(ctx context.Context, id int64, now time.Time) (domain.Job, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE jobs SET status=?, updated_at=? WHERE id=? AND status=?`,
		domain.JobCompleted, now.UTC().Format(time.RFC3339), id, domain.JobAccepted)
	if err != nil {
		return domain.Job{}, err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		if _, err := r.GetJob(ctx, id); err != nil {
			return domain.Job{}, err
		}
		return domain.Job{}, ErrStaleStatus
	}
	return r.GetJob(ctx, id)
}

func (r Repo) ListJobs(ctx context.Context) ([]domain.Job, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		var j domain.Job
		var freelancer, freelancerAuth sql.NullString
		if err := rows.Scan(&j.ID, &j.Description, &j.AcceptanceCriteria, &j.Status, &j.TopicRef,
			&j.SponsorFeedbackAuth, &freelancer, &freelancerAuth, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		if freelancer.Valid {
			j.FreelancerAddress = &freelancer.String
		}
		if freelancerAuth.Valid {
			j.FreelancerFeedbackAuth = &freelancerAuth.String
		}
		res = append(res, j)
	}
	return res, rows.Err()
}
