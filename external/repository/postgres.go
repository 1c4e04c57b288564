package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/foxseedlab/teno/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const meetingColumns = `id, guild_id, channel_id, author_id, name, locked, status, started_at, ended_at, duration_seconds, end_reason`

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func scanMeeting(row pgx.Row) (*repository.Meeting, error) {
	var m repository.Meeting
	var status string
	if err := row.Scan(&m.ID, &m.GuildID, &m.ChannelID, &m.AuthorID, &m.Name, &m.Locked, &status, &m.StartedAt, &m.EndedAt, &m.DurationSeconds, &m.EndReason); err != nil {
		return nil, err
	}
	m.Status = repository.MeetingStatus(status)
	return &m, nil
}

func (r *PostgresRepository) CreateMeeting(ctx context.Context, input repository.CreateMeetingInput) (*repository.Meeting, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO meetings (id, guild_id, channel_id, author_id, name, started_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6, 'active')
		 RETURNING `+meetingColumns,
		input.ID, input.GuildID, input.ChannelID, input.AuthorID, input.Name, input.StartedAt)
	m, err := scanMeeting(row)
	if err != nil {
		return nil, fmt.Errorf("insert meeting: %w", err)
	}
	return m, nil
}

func (r *PostgresRepository) EndMeeting(ctx context.Context, input repository.EndMeetingInput) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE meetings SET status = 'ended', ended_at = $2, duration_seconds = $3, end_reason = $4 WHERE id = $1`,
		input.MeetingID, input.EndedAt, input.DurationSeconds, input.Reason)
	return err
}

func (r *PostgresRepository) RenameMeeting(ctx context.Context, meetingID, name string) error {
	_, err := r.pool.Exec(ctx, `UPDATE meetings SET name = $2 WHERE id = $1`, meetingID, name)
	return err
}

func (r *PostgresRepository) SetMeetingLocked(ctx context.Context, meetingID string, locked bool) error {
	_, err := r.pool.Exec(ctx, `UPDATE meetings SET locked = $2 WHERE id = $1`, meetingID, locked)
	return err
}

func (r *PostgresRepository) GetActiveMeetingByChannel(ctx context.Context, guildID, channelID string) (*repository.Meeting, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+meetingColumns+`
		 FROM meetings WHERE guild_id = $1 AND channel_id = $2 AND status = 'active'
		 ORDER BY started_at DESC LIMIT 1`,
		guildID, channelID)
	m, err := scanMeeting(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return m, nil
}

func (r *PostgresRepository) AddAttendee(ctx context.Context, input repository.AddAttendeeInput) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO meeting_attendees (meeting_id, user_id, display_name, joined_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (meeting_id, user_id) DO UPDATE SET display_name = EXCLUDED.display_name`,
		input.MeetingID, input.UserID, input.DisplayName, input.JoinedAt)
	return err
}

func (r *PostgresRepository) ListAttendees(ctx context.Context, meetingID string) ([]repository.Attendee, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT meeting_id, user_id, display_name, joined_at
		 FROM meeting_attendees WHERE meeting_id = $1 ORDER BY joined_at ASC`,
		meetingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []repository.Attendee
	for rows.Next() {
		var a repository.Attendee
		if err := rows.Scan(&a.MeetingID, &a.UserID, &a.DisplayName, &a.JoinedAt); err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}
