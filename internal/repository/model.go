package repository

import "time"

type MeetingStatus string

const (
	MeetingStatusActive MeetingStatus = "active"
	MeetingStatusEnded  MeetingStatus = "ended"
)

type Meeting struct {
	ID              string
	GuildID         string
	ChannelID       string
	AuthorID        string
	Name            string
	Locked          bool
	Status          MeetingStatus
	StartedAt       time.Time
	EndedAt         *time.Time
	DurationSeconds int64
	EndReason       string
}

type Attendee struct {
	MeetingID   string
	UserID      string
	DisplayName string
	JoinedAt    time.Time
}
