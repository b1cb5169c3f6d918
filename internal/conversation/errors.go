package conversation

import "errors"

// ErrInvalidArgument reports caller mistakes: empty message text or a
// malformed conversation identifier. No upstream call is attempted.
var ErrInvalidArgument = errors.New("conversation: invalid argument")
