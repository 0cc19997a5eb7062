package clientdata

import "time"

// TTLs added to now when storing to calculate expires_at.
const (
	// Provider responses for a past date never change, today's may
	TTLExchangeRate = 6 * time.Hour
	// Converted amounts depend on rates that are fixed once stored
	TTLConvertedAmount = 24 * time.Hour
)
