// Package sshclient is the authenticated transport used by discovery probes
// and tunnel sessions.
//
// A Dialer turns a hosts.Host into a Conn: one multiplexed SSH connection
// that can run remote commands, open forwarded channels to addresses
// reachable from the host, and answer a lightweight liveness probe. Every
// error returned by this package is classified with the failure taxonomy
// (HostUnreachable, AuthFailed, Timeout, ProtocolError) so callers can report
// per-host failures without inspecting SSH library errors.
//
// Credentials come from the SSH agent (SSH_AUTH_SOCK), the host's
// IdentityFile entries and any signers given explicitly. Host keys are
// verified against known_hosts unless the file is absent and strict checking
// is off.
package sshclient
