package cache

import "time"

// Key identifies a logical cached data class. Entries may additionally be
// suffixed, typically with a user ID, so the same class can be cached per
// account.
type Key string

// Cached data classes used by the app's screens.
const (
	KeyDashboardStats    Key = "dashboard-stats"
	KeyPropertyListings  Key = "property-listings"
	KeyApplications      Key = "applications"
	KeyCommissionSummary Key = "commission-summary"
	KeyPayoutHistory     Key = "payout-history"
	KeyUserProfile       Key = "user-profile"
)

// Staleness budgets per data class. The exact values are tuning parameters;
// the tiering is the contract: feeds go stale in minutes, listings in tens
// of minutes, profile data in hours.
const (
	TTLShort  = 3 * time.Minute
	TTLMedium = 30 * time.Minute
	TTLLong   = 6 * time.Hour
)

// Namespace holds every cache entry in the shared store; OnLogout wipes it
// wholesale.
const keyPrefix = "cache:v1:"

func storageKey(key Key, suffix string) string {
	if suffix == "" {
		return keyPrefix + string(key)
	}
	return keyPrefix + string(key) + ":" + suffix
}
