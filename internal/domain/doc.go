// Package domain holds the shared entities of the distribution engine:
// queue entries and their per-platform schedule, audience and performance
// records, audit rows, and the typed error taxonomy.
package domain
