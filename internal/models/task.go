package models

// Task is the read-only view of a marketplace task owned by the task service.
type Task struct {
	ID         int64  `json:"id"`
	CreatorID  int64  `json:"creator_id"`
	AssigneeID *int64 `json:"assignee_id,omitempty"`
	Title      string `json:"title"`
	Status     string `json:"status"`
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	UserID int64 `json:"user_id"`
	Admin  bool  `json:"admin"`
}
