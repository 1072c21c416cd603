// Package dispatch turns inbound request envelopes into device capability
// calls and replies.
//
// The dispatcher serves one envelope at a time, in arrival order. A handler is
// chosen purely by type tag from a table built once in New; a tag outside the
// nine request kinds is dropped without a reply, a counter change or an event.
//
// Reply rules:
//   - node handle 0 (or a missing FS info record, or an empty entry name) is
//     rejected with ERR before the capability table is consulted
//   - close and flush never produce a reply
//   - a nil capability slot yields the operation's default result
//   - would-block (device.ErrWouldBlock) on read or write yields AGAIN when
//     the call made no progress (result <= 0); otherwise the progress is replied
//   - a failed write passes its signed result back in a normal reply, while a
//     failed read, control, remove collapses to ERR
//   - a payload shorter than the operation's field layout yields ERR
//
// Buffers taken for read data or handed back by a driver's Control are
// released after the reply is sent, on every path.
package dispatch
