// Package verify implements the join-request verification state machine:
// challenge issuance, pending-state tracking with expiry, exactly-once
// response evaluation, and outcome resolution against the platform gateways.
//
// Pending state is held in memory only. A restart drops outstanding
// challenges; affected users simply re-request to join (or their challenge
// silently expires). This is an accepted limitation, not a bug: durable
// pending state would complicate the retry UX for no real gain.
package verify
