package transport

import "errors"

// ErrNoSuchLink is returned by Core.AddForwardTarget and Core.RemoveLink
// when an operation names a remote peer with no registered direct link.
var ErrNoSuchLink = errors.New("transport: no such link")

// ErrUnknownAck is returned by OutboundMessages.Acknowledge when a received
// SN doesn't match any live message the acking peer was still pending on —
// either the registry never held it, or it was already released. Per
// spec.md §7 this is tolerated, not surfaced as a failure: Core logs it and
// moves on rather than propagating it to the application.
var ErrUnknownAck = errors.New("transport: ack for unknown sequence number")
