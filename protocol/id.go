package protocol

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"sync/atomic"

	"github.com/gofrs/uuid"
)

// ErrInvalidID is returned when a value cannot be used as a request identifier
var ErrInvalidID = errors.New("identifier must be a string or a number")

// IDGenerator produces request identifiers. Implementations must be
// safe for concurrent use and never return an identifier twice.
type IDGenerator interface {
	NextID() (any, error)
}

// UUIDGenerator generates random v4 UUID strings
type UUIDGenerator struct{}

func (UUIDGenerator) NextID() (any, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	return id.String(), nil
}

// CounterGenerator generates monotonically increasing integers,
// starting at 1. The zero value is ready to use.
type CounterGenerator struct {
	n atomic.Uint64
}

func (g *CounterGenerator) NextID() (any, error) {
	return g.n.Add(1), nil
}

// IDKey returns a canonical key for the identifier id, so that
// identifiers can be compared regardless of how a codec decoded
// them. Strings and numbers never share a key, which means "1"
// and 1 are different identifiers.
func IDKey(id any) (string, error) {
	switch id := id.(type) {
	case string:
		return "s:" + id, nil
	case json.Number:
		if i, err := id.Int64(); err == nil {
			return "n:" + strconv.FormatInt(i, 10), nil
		}
		if u, err := strconv.ParseUint(id.String(), 10, 64); err == nil {
			return "n:" + strconv.FormatUint(u, 10), nil
		}
		f, err := id.Float64()
		if err != nil {
			return "", ErrInvalidID
		}
		return floatKey(f)
	case int:
		return "n:" + strconv.FormatInt(int64(id), 10), nil
	case int8:
		return "n:" + strconv.FormatInt(int64(id), 10), nil
	case int16:
		return "n:" + strconv.FormatInt(int64(id), 10), nil
	case int32:
		return "n:" + strconv.FormatInt(int64(id), 10), nil
	case int64:
		return "n:" + strconv.FormatInt(id, 10), nil
	case uint:
		return "n:" + strconv.FormatUint(uint64(id), 10), nil
	case uint8:
		return "n:" + strconv.FormatUint(uint64(id), 10), nil
	case uint16:
		return "n:" + strconv.FormatUint(uint64(id), 10), nil
	case uint32:
		return "n:" + strconv.FormatUint(uint64(id), 10), nil
	case uint64:
		return "n:" + strconv.FormatUint(id, 10), nil
	case float32:
		return floatKey(float64(id))
	case float64:
		return floatKey(id)
	default:
		return "", ErrInvalidID
	}
}

func floatKey(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", ErrInvalidID
	}
	// Integral floats share keys with the equivalent integers
	if f == math.Trunc(f) && math.Abs(f) < 1<<63 {
		return "n:" + strconv.FormatInt(int64(f), 10), nil
	}
	return "n:" + strconv.FormatFloat(f, 'g', -1, 64), nil
}

// ValidID reports whether id can be used as an identifier
func ValidID(id any) bool {
	_, err := IDKey(id)
	return err == nil
}

// SameID reports whether a and b are the same identifier
func SameID(a, b any) bool {
	ka, err := IDKey(a)
	if err != nil {
		return false
	}
	kb, err := IDKey(b)
	if err != nil {
		return false
	}
	return ka == kb
}
