// Package queue runs side-effecting work one task at a time in strict priority order.
package queue

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Priority selects the lane a task is appended to.
type Priority int

const (
	Low Priority = iota
	Normal
	High
)

const numLanes = 3

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Task is a unit of deferred work. Tasks are compared by pointer identity.
type Task struct {
	ID   uuid.UUID
	Name string
	// ChannelID is the channel or thread the task acts on. It is used to cancel work for
	// deleted threads and as the target of permission notices.
	ChannelID string

	run func(ctx context.Context) error
}

// NewTask wraps run in a task with a fresh id.
func NewTask(name, channelID string, run func(ctx context.Context) error) *Task {
	return &Task{
		ID:        uuid.New(),
		Name:      name,
		ChannelID: channelID,
		run:       run,
	}
}

func (t *Task) String() string {
	return fmt.Sprintf("%s[%s]", t.Name, t.ID.String()[:8])
}
