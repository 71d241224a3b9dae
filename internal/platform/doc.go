// Package platform defines the narrow contracts the persona subsystem uses
// to talk to a chat platform: output proxies (webhooks), the per-channel
// message stream and member name lookups.
//
// Concrete adapters live in subpackages; platformtest provides an in-memory
// fake for tests.
package platform
