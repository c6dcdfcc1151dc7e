// Package host plays the hosting environment for the interception agent.
// It owns the registrations of deployed agent versions, dispatches install,
// activate and fetch events to the handlers bound by agent.Register, tracks
// which version controls each client, and keeps every waitUntil branch alive
// until it settles. The active registration is persisted next to the cache
// storage so a restart resumes with the same version without reinstalling.
package host
