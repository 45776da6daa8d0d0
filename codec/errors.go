package codec

import "errors"

var (
	ErrShortRecord     = errors.New("codec: short record")
	ErrBadTag          = errors.New("codec: unexpected record tag")
	ErrPayloadTooLarge = errors.New("codec: payload larger than one line")
	ErrReservedBits    = errors.New("codec: reserved bits set")
	ErrUnknownCommand  = errors.New("codec: unknown system command")
	ErrUnknownProbe    = errors.New("codec: unknown probe command")
	ErrUnknownResponse = errors.New("codec: unknown response code")
	ErrMalformedFlags  = errors.New("codec: malformed flag combination")
)
