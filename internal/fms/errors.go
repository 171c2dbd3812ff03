package fms

import "errors"

// errTruncated is returned (and counted in Decoder.Malformed) when a
// notification is too short to hold the flags field, or a complete-looking
// record runs out of bytes mid-field — a peer bug or a torn BLE
// notification, never a caller error.
var errTruncated = errors.New("fms: truncated record after flags")
