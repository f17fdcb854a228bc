package token

import "errors"

// ErrInvalidToken covers signature failures, malformed envelopes, and
// decrypt failures — anything short of expiry.
var ErrInvalidToken = errors.New("token: invalid magic token")

// ErrExpiredToken is returned when exp is in the past, regardless of
// whether the signature is otherwise valid.
var ErrExpiredToken = errors.New("token: magic token has expired")
