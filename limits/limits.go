package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxPacketSize is the largest datagram the transport reads or sends, the
	// largest UDP payload over IPv4.
	MaxPacketSize = 65507

	// MaxValueSize is the largest payload a single stored value may carry.
	MaxValueSize = 2048

	// MaxContactsPerResponse caps the contacts carried by a FIND_NODE response.
	MaxContactsPerResponse = 32

	// MaxValuesPerResponse caps the values carried by a FIND_VALUE response.
	MaxValuesPerResponse = 16

	// MaxProcessingBuffer is the absolute maximum for any decode operation.
	MaxProcessingBuffer = 64 * 1024
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateMessageSize validates a message against the specified maximum size.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidatePacket validates a datagram against MaxPacketSize.
func ValidatePacket(packet []byte) error {
	return ValidateMessageSize(packet, MaxPacketSize)
}

// ValidateValue validates a value payload against MaxValueSize. Unlike
// packets, an empty payload is valid: it marks a removed value.
func ValidateValue(value []byte) error {
	if len(value) > MaxValueSize {
		return fmt.Errorf("%w: value size %d exceeds limit %d", ErrMessageTooLarge, len(value), MaxValueSize)
	}
	return nil
}
