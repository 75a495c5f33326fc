// Package session persists per-session records in a JSON store file.
//
// Invariants:
// - Save and Update on the same path are serialized by a per-path lock.
// - Update re-reads the file inside the lock, so concurrent updates never lose writes.
// - Files are replaced atomically (temp file + rename) and kept owner-only.
// - Load never fails; missing or corrupt files read as an empty store.
//
// Usage:
//
//	mgr := session.NewManager()
//	entry, _ := mgr.UpdateEntry(ctx, "/tmp/switchboard/sessions.json", "agent:main:main",
//		session.SessionPatch{Label: session.String("ops")})
//	records := mgr.Load(ctx, "/tmp/switchboard/sessions.json", session.LoadOptions{})
//	_, _ = entry, records
package session
