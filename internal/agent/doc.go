// Package agent implements the network-interception agent: the install,
// activate and fetch handlers plus the registrar that binds them to a host.
// Handlers never reach for globals; the deployed version, asset manifest,
// storage and network are injected through Options when the Agent is built,
// and every lifecycle signal (waitUntil, skipWaiting, claim, respondWith)
// arrives through the event value, so a test can drive each handler with a
// constructed event double.
package agent
