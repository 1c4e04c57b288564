package repository

import (
	"context"
	"time"
)

type CreateMeetingInput struct {
	ID        string
	GuildID   string
	ChannelID string
	AuthorID  string
	Name      string
	StartedAt time.Time
}

type EndMeetingInput struct {
	MeetingID       string
	EndedAt         time.Time
	DurationSeconds int64
	Reason          string
}

type AddAttendeeInput struct {
	MeetingID   string
	UserID      string
	DisplayName string
	JoinedAt    time.Time
}

type MeetingRepository interface {
	CreateMeeting(ctx context.Context, input CreateMeetingInput) (*Meeting, error)
	EndMeeting(ctx context.Context, input EndMeetingInput) error
	RenameMeeting(ctx context.Context, meetingID, name string) error
	SetMeetingLocked(ctx context.Context, meetingID string, locked bool) error
	GetActiveMeetingByChannel(ctx context.Context, guildID, channelID string) (*Meeting, error)
}

type AttendeeRepository interface {
	AddAttendee(ctx context.Context, input AddAttendeeInput) error
	ListAttendees(ctx context.Context, meetingID string) ([]Attendee, error)
}

type Repository interface {
	MeetingRepository
	AttendeeRepository
}
