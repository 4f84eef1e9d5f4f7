// Package storage persists the registry of verified users behind a narrow
// Store interface. The core consults it only on successful verification,
// explicit self-registration, and admin stats/broadcast commands.
package storage
