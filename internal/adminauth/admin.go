package adminauth

import (
	"github.com/dgellow/idfront/internal/emailutil"
	"github.com/dgellow/idfront/internal/storage"
)

// IsAdmin checks if a user is admin, either listed in the configured
// admin emails or flagged in storage
func IsAdmin(user *storage.User, adminEmails []string) bool {
	if user == nil || !user.Active {
		return false
	}
	if user.IsAdmin {
		return true
	}
	return IsConfigAdmin(user.Email, adminEmails)
}

// IsConfigAdmin checks if an email is in the config admin list
func IsConfigAdmin(email string, adminEmails []string) bool {
	normalizedEmail := emailutil.Normalize(email)
	if normalizedEmail == "" {
		return false
	}

	for _, adminEmail := range adminEmails {
		// Admin emails should be normalized during config load, but we normalize here too
		// to handle any legacy configs or manual edits
		if emailutil.Normalize(adminEmail) == normalizedEmail {
			return true
		}
	}
	return false
}
