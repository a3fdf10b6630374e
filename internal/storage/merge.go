package storage

import "darn/internal/models"

// MergeVerification combines an incoming verification with the stored one.
// Health fields (ok, models, latency, error, checked_at) always take the
// incoming value. Geo fields are sticky: a nil incoming value keeps the
// stored one.
func MergeVerification(existing *models.VerificationRecord, incoming models.VerificationRecord) models.VerificationRecord {
	merged := incoming
	if merged.Models == nil {
		merged.Models = []string{}
	}
	if existing == nil {
		return merged
	}
	merged.Lat = keep(incoming.Lat, existing.Lat)
	merged.Lon = keep(incoming.Lon, existing.Lon)
	merged.City = keep(incoming.City, existing.City)
	merged.Region = keep(incoming.Region, existing.Region)
	merged.Country = keep(incoming.Country, existing.Country)
	return merged
}

func keep[T any](incoming, stored *T) *T {
	if incoming != nil {
		return incoming
	}
	return stored
}
