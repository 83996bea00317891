package events

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/52poke/hondana/internal/push"
)

var ErrInvalidEvent = errors.New("invalid domain event")

type Type string

const (
	UserRegistered Type = "user.registered"
	BookPublished  Type = "book.published"
)

// Event is a storefront action that users get notified about.
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	Email      string    `json:"email,omitempty"`
	Title      string    `json:"title,omitempty"`
	BookID     string    `json:"bookId,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// New validates e and stamps it with an id and time when they are unset.
func New(e Event) (Event, error) {
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	return e, nil
}

func (e Event) Validate() error {
	switch e.Type {
	case UserRegistered:
		return nil
	case BookPublished:
		if strings.TrimSpace(e.BookID) == "" {
			return fmt.Errorf("%w: %s requires bookId", ErrInvalidEvent, e.Type)
		}
		return nil
	case "":
		return fmt.Errorf("%w: type is required", ErrInvalidEvent)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
}

// Notification renders the push message for e.
func (e Event) Notification() (push.Notification, error) {
	switch e.Type {
	case UserRegistered:
		body := "A new user joined the store"
		if e.Email != "" {
			body = e.Email + " just signed up"
		}
		return push.Notification{
			Title: "New user registered",
			Body:  body,
			Data:  map[string]any{"url": "/admin/users", "email": e.Email},
		}, nil
	case BookPublished:
		body := "A new book was added to the catalog"
		if e.Title != "" {
			body = e.Title + " is now available"
		}
		return push.Notification{
			Title: "New book available",
			Body:  body,
			Data:  map[string]any{"url": "/books/" + e.BookID},
		}, nil
	default:
		return push.Notification{}, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
}
