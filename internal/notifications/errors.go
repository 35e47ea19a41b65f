package notifications

import "errors"

// ErrNoRecipient is returned when an email has no recipient address.
var ErrNoRecipient = errors.New("email recipient is required")
