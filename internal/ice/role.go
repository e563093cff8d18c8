package ice

// ResolveRoleConflict implements spec.md Section 4.2.5: when an incoming
// binding request asserts the same role the local side already holds,
// compare 64-bit tie-breakers as unsigned integers. The side with the lower
// tie-breaker switches role and restarts connectivity checks; the side with
// the higher tie-breaker responds with error 487.
//
// remoteControlling reports whether the request carried ICE-CONTROLLING
// (true) or ICE-CONTROLLED (false). conflict is false if the roles are
// already compatible (no action needed).
func ResolveRoleConflict(localTiebreaker uint64, localControlling bool, remoteTiebreaker uint64, remoteControlling bool) (conflict, switchRole bool) {
	if localControlling != remoteControlling {
		// Controlling vs. controlled: compatible, no conflict.
		return false, false
	}
	if localTiebreaker < remoteTiebreaker {
		return true, true
	}
	return true, false
}
