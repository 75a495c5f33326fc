// Package sessionkey parses, classifies and builds session keys.
//
// A canonical key has the form agent:<agentId>:<rest>. All functions are pure
// and never repair malformed input; ClassifyShape reports what a caller holds.
//
//	key := sessionkey.BuildPeer(sessionkey.PeerKeyParams{
//		AgentID:  "main",
//		Channel:  "telegram",
//		PeerKind: sessionkey.PeerKindDirect,
//		PeerID:   "42",
//		DMScope:  sessionkey.DMScopePerPeer,
//	})
//	// agent:main:direct:42
package sessionkey
