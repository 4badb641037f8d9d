package projector

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// User is one row of the dashboard's user table.
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Role      string `json:"role,omitempty"`
	Status    string `json:"status,omitempty"`
	LastLogin string `json:"last_login,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// userUpdate is the user_update payload.
type userUpdate struct {
	Action string `json:"action"`
	User   User   `json:"user"`
	UserID string `json:"user_id"`
}

func decodeUserUpdate(data json.RawMessage) (userUpdate, error) {
	var u userUpdate
	if len(data) == 0 {
		return u, fmt.Errorf("user_update: %w", ErrNotObject)
	}
	if err := json.Unmarshal(data, &u); err != nil {
		return u, fmt.Errorf("user_update: %w", err)
	}
	return u, nil
}

// applyUserUpdate returns the list after u. The input slice is not modified.
func applyUserUpdate(users []User, u userUpdate) ([]User, error) {
	switch u.Action {
	case "create":
		if u.User.ID == "" {
			return nil, fmt.Errorf("create: %w", ErrMissingUserID)
		}
		created := u.User
		created.Name = displayName(created.FirstName, created.LastName, created.Email)

		// Newest first; a repeated create replaces the old row.
		out := make([]User, 0, len(users)+1)
		out = append(out, created)
		for _, existing := range users {
			if existing.ID != created.ID {
				out = append(out, existing)
			}
		}
		return out, nil

	case "update":
		if u.User.ID == "" {
			return nil, fmt.Errorf("update: %w", ErrMissingUserID)
		}
		out := make([]User, len(users))
		for i, existing := range users {
			if existing.ID == u.User.ID {
				existing = mergeUser(existing, u.User)
			}
			out[i] = existing
		}
		return out, nil

	case "delete":
		id := u.UserID
		if id == "" {
			id = u.User.ID
		}
		if id == "" {
			return nil, fmt.Errorf("delete: %w", ErrMissingUserID)
		}
		out := make([]User, 0, len(users))
		for _, existing := range users {
			if existing.ID != id {
				out = append(out, existing)
			}
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, u.Action)
	}
}

// mergeUser overlays the non-empty fields of patch onto base.
func mergeUser(base, patch User) User {
	if patch.FirstName != "" {
		base.FirstName = patch.FirstName
	}
	if patch.LastName != "" {
		base.LastName = patch.LastName
	}
	if patch.Email != "" {
		base.Email = patch.Email
	}
	if patch.Role != "" {
		base.Role = patch.Role
	}
	if patch.Status != "" {
		base.Status = patch.Status
	}
	if patch.LastLogin != "" {
		base.LastLogin = patch.LastLogin
	}
	base.Name = displayName(base.FirstName, base.LastName, base.Email)
	return base
}

// displayName is "First Last" with each part capitalized, or the email
// when both names are empty.
func displayName(first, last, email string) string {
	name := strings.TrimSpace(capitalize(first) + " " + capitalize(last))
	if name == "" {
		return email
	}
	return name
}

func capitalize(s string) string {
	if s == "" {
		return ""
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + strings.ToLower(s[size:])
}
