// File: internal/proxy/errors.go
// Author: momentics <momentics@gmail.com>
//
// Sentinel errors in the style of the teacher's api/errors.go: plain
// package-level values wrapped with fmt.Errorf at each call site rather
// than a bespoke error hierarchy.

package proxy

import "errors"

// ErrUpstreamUnavailable is returned by ConnectUpstream when the
// upstream store cannot be reached.
var ErrUpstreamUnavailable = errors.New("proxy: upstream unavailable")

// ErrFramerSyntax wraps a resp.ErrSyntax observed on the upstream
// connection; kept as a distinct proxy-level sentinel even though both
// currently terminate the Server the same way (spec.md §9 decision 1).
var ErrFramerSyntax = errors.New("proxy: malformed upstream reply")

// ErrReadyUnderrun is the error the Server is torn down with when a
// framed reply arrives with no
// matching entry left in the ready queue — a protocol-level violation
// of the one-reply-per-forwarded-request invariant.
var ErrReadyUnderrun = errors.New("proxy: reply with no matching ready client")
