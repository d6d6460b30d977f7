package server

import (
	"taskline/internal/domain"
	"taskline/internal/engine"
)

// Request payloads

type RegisterRequest struct {
	Email    string `json:"email" format:"email"`
	Name     string `json:"name"`
	Password string `json:"password" minLength:"8"`
}

type LoginRequest struct {
	Email    string `json:"email" format:"email"`
	Password string `json:"password"`
}

type ForgotPasswordRequest struct {
	Email string `json:"email" format:"email"`
}

type ResetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password" minLength:"8"`
}

type SubtaskRequest struct {
	Title     string `json:"title"`
	Completed bool   `json:"completed,omitempty"`
}

type CreateTaskRequest struct {
	Title          string   `json:"title"`
	Description    *string  `json:"description,omitempty"`
	GoalID         *string  `json:"goal_id,omitempty"`
	DueDate        *string  `json:"due_date,omitempty" format:"date-time"`
	Status         *string  `json:"status,omitempty" enum:"pending,in_progress,completed,failed"`
	Subtasks       []string `json:"subtasks,omitempty"`
	NotificationID *string  `json:"notification_id,omitempty"`
}

type UpdateTaskRequest struct {
	Title          *string           `json:"title,omitempty"`
	Description    *string           `json:"description,omitempty"`
	GoalID         *string           `json:"goal_id,omitempty"`
	DueDate        *string           `json:"due_date,omitempty"`
	Status         *string           `json:"status,omitempty" enum:"pending,in_progress,completed,failed"`
	Subtasks       *[]SubtaskRequest `json:"subtasks,omitempty"`
	NotificationID *string           `json:"notification_id,omitempty"`
}

type CreateGoalRequest struct {
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	TargetDate  *string `json:"target_date,omitempty" format:"date-time"`
}

type UpdateGoalRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	TargetDate  *string `json:"target_date,omitempty"`
	Status      *string `json:"status,omitempty" enum:"active,completed,abandoned"`
}

// Response payloads

type AuthResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type TaskListResponse struct {
	Tasks      []domain.Task `json:"tasks"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type GoalListResponse struct {
	Goals []engine.GoalSummary `json:"goals"`
}

type EventListResponse struct {
	Events []domain.Event `json:"events"`
}

// StatsResponse is engine.LearningStats on the wire; aliased here so the
// OpenAPI schema lives with the other response types.
type StatsResponse = engine.LearningStats

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
