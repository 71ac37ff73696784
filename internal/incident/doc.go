// Package incident is the business boundary for Beacon's incident
// correlation engine. It defines the Service (correlation, dedup,
// lifecycle, notifications), the Store interface (persistence), the
// Matcher (historical similarity), the MTTR Aggregator, and the domain
// models.
package incident
