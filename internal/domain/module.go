package domain

import (
	"fmt"
	"time"
)

type (
	ModuleID string
	CourseID string
)

// ModuleStatus is the persisted status of a scheduled class module.
// The finished value keeps the wire spelling used by the course catalog.
type ModuleStatus string

const (
	ModuleScheduled ModuleStatus = "programado"
	ModuleFinished  ModuleStatus = "finalizado"
)

// Module is one scheduled class: the record a classroom session opens.
type Module struct {
	ID          ModuleID     `json:"id" db:"id"`
	CourseID    CourseID     `json:"course_id" db:"course_id"`
	Title       string       `json:"title" db:"title"`
	ScheduledAt time.Time    `json:"scheduled_at" db:"scheduled_at"`
	Status      ModuleStatus `json:"status" db:"status"`
}

func (m *Module) Finished() bool { return m.Status == ModuleFinished }

// RoomName is the media relay room a module maps to.
func (m *Module) RoomName() string { return RoomNameFor(m.ID) }

func RoomNameFor(id ModuleID) string { return fmt.Sprintf("room-%s", id) }

// Course links a course to the teacher that owns it.
type Course struct {
	ID        CourseID `json:"id" db:"id"`
	TeacherID UserID   `json:"teacher_id" db:"teacher_id"`
	Title     string   `json:"title" db:"title"`
}
