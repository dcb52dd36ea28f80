package errors

import "fmt"

type Underflow struct {
	MessageName string
	MsgSize     int
	MinimumSize int
}

func (e *Underflow) Error() string {
	return fmt.Sprintf("Message parsing underflowed (type=%s), provided %d bytes, needed at least %d", e.MessageName, e.MsgSize, e.MinimumSize)
}

type Overflow struct {
	MessageName string
	Size        int
	MaxSize     int
}

func (e *Overflow) Error() string {
	return fmt.Sprintf("Message overflowed (type=%s), size %d exceeds maximum %d", e.MessageName, e.Size, e.MaxSize)
}

type InvalidEnumValue struct {
	EnumName string
	IntValue uint8
}

func (e *InvalidEnumValue) Error() string {
	return fmt.Sprintf("Invalid enum value=%d (enum: %s)", e.IntValue, e.EnumName)
}

// InvalidHeaderVersion is returned when a peer speaks a different protocol version.
type InvalidHeaderVersion struct {
	ExpectedVersion int
	ActualVersion   int
}

func (e *InvalidHeaderVersion) Error() string {
	return fmt.Sprintf("Invalid protocol version: expected %d, got %d", e.ExpectedVersion, e.ActualVersion)
}

type MissingFieldError struct {
	MessageName string
	FieldName   string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("Missing field %s in message type %s", e.FieldName, e.MessageName)
}

type NameCollision struct {
	CollisionContext string
	Name             string
}

func (e *NameCollision) Error() string {
	return fmt.Sprintf("Name collision for name '%s' in context '%s'", e.Name, e.CollisionContext)
}

type OutOfRange struct {
	Context string
	Value   int
	Min     int
	Max     int
}

func (e *OutOfRange) Error() string {
	return fmt.Sprintf("Value %d out of range [%d, %d] (%s)", e.Value, e.Min, e.Max, e.Context)
}
