package devserver

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ratingQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresRatingRepository stores ratings in the session_ratings and
// message_ratings tables created by the migrations package.
type PostgresRatingRepository struct {
	db ratingQuerier
}

func NewPostgresRatingRepository(pool *pgxpool.Pool) *PostgresRatingRepository {
	if pool == nil {
		panic("devserver: pgx pool required")
	}
	return &PostgresRatingRepository{db: pool}
}

func newPostgresRatingRepositoryWithDB(db ratingQuerier) *PostgresRatingRepository {
	if db == nil {
		panic("devserver: querier required")
	}
	return &PostgresRatingRepository{db: db}
}

func (p *PostgresRatingRepository) SaveSessionRating(ctx context.Context, r SessionRating) error {
	query := `
		INSERT INTO session_ratings (omb_id, protocol, stars, demand, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	var stars *int
	if r.Stars > 0 {
		stars = &r.Stars
	}
	var demand *string
	if r.Demand != "" {
		demand = &r.Demand
	}
	if _, err := p.db.Exec(ctx, query, r.OmbID, r.Protocol, stars, demand, r.CreatedAt); err != nil {
		return fmt.Errorf("devserver: insert session rating: %w", err)
	}
	return nil
}

func (p *PostgresRatingRepository) SaveMessageRating(ctx context.Context, r MessageRating) error {
	if r.Tip == "R" {
		query := `DELETE FROM message_ratings WHERE protocol = $1 AND message_id = $2`
		if _, err := p.db.Exec(ctx, query, r.Protocol, r.MessageID); err != nil {
			return fmt.Errorf("devserver: delete message rating: %w", err)
		}
		return nil
	}
	query := `
		INSERT INTO message_ratings (protocol, message_id, tip, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (protocol, message_id) DO UPDATE SET tip = EXCLUDED.tip, updated_at = EXCLUDED.updated_at
	`
	if _, err := p.db.Exec(ctx, query, r.Protocol, r.MessageID, r.Tip, r.UpdatedAt); err != nil {
		return fmt.Errorf("devserver: upsert message rating: %w", err)
	}
	return nil
}

func (p *PostgresRatingRepository) MessageRating(ctx context.Context, protocol, messageID string) (MessageRating, bool, error) {
	query := `SELECT tip, updated_at FROM message_ratings WHERE protocol = $1 AND message_id = $2`
	r := MessageRating{Protocol: protocol, MessageID: messageID}
	if err := p.db.QueryRow(ctx, query, protocol, messageID).Scan(&r.Tip, &r.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MessageRating{}, false, nil
		}
		return MessageRating{}, false, fmt.Errorf("devserver: read message rating: %w", err)
	}
	return r, true, nil
}

func (p *PostgresRatingRepository) SessionRatings(ctx context.Context, protocol string) ([]SessionRating, error) {
	query := `
		SELECT omb_id, protocol, COALESCE(stars, 0), COALESCE(demand, ''), created_at
		FROM session_ratings
		WHERE protocol = $1
		ORDER BY created_at
	`
	rows, err := p.db.Query(ctx, query, protocol)
	if err != nil {
		return nil, fmt.Errorf("devserver: list session ratings: %w", err)
	}
	defer rows.Close()

	var out []SessionRating
	for rows.Next() {
		var r SessionRating
		if err := rows.Scan(&r.OmbID, &r.Protocol, &r.Stars, &r.Demand, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("devserver: scan session rating: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("devserver: list session ratings: %w", err)
	}
	return out, nil
}
