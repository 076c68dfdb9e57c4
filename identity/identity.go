// Package identity defines the authenticated user as the rest of the
// client core sees it.
package identity

import "github.com/estately/go-estate-client/internal/utils"

// Role selects which flow of the app a user lands in.
type Role string

const (
	RoleTenant   Role = "tenant"
	RoleLandlord Role = "landlord"
	RoleAgent    Role = "agent"
	RoleAdmin    Role = "admin"
)

// Identity is the current user. It is owned by the session manager while a
// session is active and nil everywhere when unauthenticated.
type Identity struct {
	UserID    string
	Role      Role
	FirstName string
	LastName  string
	Email     string
	Phone     string
	AvatarURL string
}

// locallyAuthoritativeFields names the Identity fields the current-user
// endpoint never returns. Merge must preserve the local value for these;
// keep this list in sync with the endpoint's response shape.
var locallyAuthoritativeFields = []string{"AvatarURL"}

// LocallyAuthoritativeFields returns the names of fields a refresh never
// replaces.
func LocallyAuthoritativeFields() []string {
	fields := make([]string, len(locallyAuthoritativeFields))
	copy(fields, locallyAuthoritativeFields)
	return fields
}

// Merge reconciles a freshly fetched identity into an existing one
// field-by-field. Fetched fields win when set; fields the endpoint never
// returns, and any field the fetch left empty, keep their local value.
func Merge(existing, fetched Identity) Identity {
	merged := Identity{
		UserID:    utils.FirstNonEmpty(fetched.UserID, existing.UserID),
		FirstName: utils.FirstNonEmpty(fetched.FirstName, existing.FirstName),
		LastName:  utils.FirstNonEmpty(fetched.LastName, existing.LastName),
		Email:     utils.FirstNonEmpty(fetched.Email, existing.Email),
		Phone:     utils.FirstNonEmpty(fetched.Phone, existing.Phone),
		AvatarURL: existing.AvatarURL,
	}

	merged.Role = fetched.Role
	if merged.Role == "" {
		merged.Role = existing.Role
	}

	if merged.AvatarURL == "" {
		merged.AvatarURL = fetched.AvatarURL
	}

	return merged
}
