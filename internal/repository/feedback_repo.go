package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"voicechat-backend/internal/models"
)

type FeedbackRepo struct {
	pool *pgxpool.Pool
}

func NewFeedbackRepo(pool *pgxpool.Pool) *FeedbackRepo {
	return &FeedbackRepo{pool: pool}
}

func (r *FeedbackRepo) Create(ctx context.Context, f *models.Feedback) error {
	query := `
		INSERT INTO feedback (session_id, rating, comment)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`
	return r.pool.QueryRow(ctx, query, f.SessionID, f.Rating, f.Comment).Scan(&f.ID, &f.CreatedAt)
}
