// Package entitlements maps user types to what they may do: how many
// messages per rolling day and which chat models they may select.
package entitlements

import "parley/api/internal/store"

type Entitlements struct {
	MaxMessagesPerDay int
	ChatModels        []string
}

var byUserType = map[string]Entitlements{
	store.UserTypeGuest: {
		MaxMessagesPerDay: 20,
		ChatModels:        []string{"gemini-2.5-flash"},
	},
	store.UserTypeRegular: {
		MaxMessagesPerDay: 100,
		ChatModels:        []string{"gemini-2.5-flash", "gemini-2.5-pro"},
	},
}

// For returns the entitlements for a user type. Unknown types get the
// guest allowance.
func For(userType string) Entitlements {
	if e, ok := byUserType[userType]; ok {
		return e
	}
	return byUserType[store.UserTypeGuest]
}

// AllowsModel reports whether the user type may use the given chat model.
func AllowsModel(userType, model string) bool {
	for _, allowed := range For(userType).ChatModels {
		if allowed == model {
			return true
		}
	}
	return false
}
