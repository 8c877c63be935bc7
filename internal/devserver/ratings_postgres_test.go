package devserver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRatingMock(t *testing.T) (pgxmock.PgxPoolIface, *PostgresRatingRepository) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, newPostgresRatingRepositoryWithDB(mock)
}

func TestPostgresRatings_SaveStars(t *testing.T) {
	mock, repo := newRatingMock(t)
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	stars := 4
	mock.ExpectExec("INSERT INTO session_ratings").
		WithArgs("1001", "P-1", &stars, (*string)(nil), at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, repo.SaveSessionRating(context.Background(), SessionRating{OmbID: "1001", Protocol: "P-1", Stars: 4, CreatedAt: at}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRatings_RemoveDeletesRow(t *testing.T) {
	mock, repo := newRatingMock(t)
	mock.ExpectExec("DELETE FROM message_ratings").
		WithArgs("P-1", "m-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, repo.SaveMessageRating(context.Background(), MessageRating{Protocol: "P-1", MessageID: "m-1", Tip: "R"}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRatings_LikeUpserts(t *testing.T) {
	mock, repo := newRatingMock(t)
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO message_ratings").
		WithArgs("P-1", "m-1", "L", at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, repo.SaveMessageRating(context.Background(), MessageRating{Protocol: "P-1", MessageID: "m-1", Tip: "L", UpdatedAt: at}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRatings_MessageRatingMissing(t *testing.T) {
	mock, repo := newRatingMock(t)
	mock.ExpectQuery("SELECT tip, updated_at FROM message_ratings").
		WithArgs("P-1", "m-9").
		WillReturnError(pgx.ErrNoRows)

	_, ok, err := repo.MessageRating(context.Background(), "P-1", "m-9")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRatings_ListSessionRatings(t *testing.T) {
	mock, repo := newRatingMock(t)
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	rows := pgxmock.NewRows([]string{"omb_id", "protocol", "stars", "demand", "created_at"}).
		AddRow("1001", "P-1", 0, "S", at).
		AddRow("1001", "P-1", 5, "", at.Add(time.Second))
	mock.ExpectQuery("SELECT omb_id, protocol").WithArgs("P-1").WillReturnRows(rows)

	got, err := repo.SessionRatings(context.Background(), "P-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "S", got[0].Demand)
	assert.Equal(t, 5, got[1].Stars)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRatings_ExecErrorIsWrapped(t *testing.T) {
	mock, repo := newRatingMock(t)
	boom := errors.New("connection reset")
	mock.ExpectExec("INSERT INTO message_ratings").WillReturnError(boom)

	err := repo.SaveMessageRating(context.Background(), MessageRating{Protocol: "P-1", MessageID: "m-1", Tip: "D"})
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "upsert message rating")
}
