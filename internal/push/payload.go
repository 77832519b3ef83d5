package push

import (
	"strings"

	"github.com/nhle/task-sync/internal/model"
)

const reminderTitle = "Task reminder"

// BuildReminderPayload turns a due task into a notification. The body
// is the task title followed by its date and start time when present;
// the tag is derived from the task ID so repeated sends for the same
// task replace each other on the device.
func BuildReminderPayload(task model.Task, url string) model.Message {
	title := strings.TrimSpace(task.Title)
	if title == "" {
		title = "Untitled task"
	}

	var when []string
	if d := strings.TrimSpace(task.Date); d != "" {
		when = append(when, d)
	}
	if s := strings.TrimSpace(task.Start); s != "" {
		when = append(when, s)
	}

	body := title
	if len(when) > 0 {
		body += " · " + strings.Join(when, " ")
	}

	if url == "" {
		url = "/"
	}

	return model.Message{
		Title: reminderTitle,
		Body:  body,
		URL:   url,
		Tag:   ReminderTag(task.ID),
	}
}

// ReminderTag is the de-duplication tag for a task's reminder.
func ReminderTag(taskID string) string {
	return "task-" + taskID
}

// TestMessage is sent by the manual "send test notification" action.
func TestMessage(url string) model.Message {
	if url == "" {
		url = "/"
	}
	return model.Message{
		Title: "Test notification",
		Body:  "Push notifications are working on this device.",
		URL:   url,
		Tag:   "test",
	}
}
