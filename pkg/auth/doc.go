// Package auth governs a connection's login lifecycle.
//
// # State Machine
//
// Every connection owns a Machine:
//
//	Unauthenticated → Authenticating → Authenticated → Terminated
//
// Begin moves to Authenticating while a login is validated. Succeed commits
// it, Fail reverts to Unauthenticated so the client may retry. Terminate is
// accepted from any state and is final. Transitions are serialized by the
// machine's lock, and the hooks passed to Succeed and Terminate run under
// it, so minting or revoking capabilities happens atomically with the
// state change.
//
// # Validation
//
// Validator checks a username in a fixed order and reports the first
// failure as a *protocol.AuthenticationError:
//
//  1. well-formedness (invalidUsername)
//  2. ban list membership (banned, carrying the ban reason)
//  3. player capacity, skipped for privileged users (serverFull)
//
// Anything that prevents a decision, such as a ban list that cannot be read,
// is reported as unspecified.
//
// Usernames compare case-insensitively; use NormalizeUsername for keys.
package auth
