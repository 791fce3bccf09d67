package idgen

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sony/sonyflake"
)

// Generator hands out local ids for messages the server has not seen yet.
type Generator struct {
	sf *sonyflake.Sonyflake
}

// New creates a generator. machineID only needs to differ between
// processes sharing one store, which the profile lock already rules out.
func New(machineID uint16) (*Generator, error) {
	sf, err := sonyflake.New(sonyflake.Settings{
		StartTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		MachineID: func() (uint16, error) {
			return machineID, nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create sonyflake: %w", err)
	}
	return &Generator{sf: sf}, nil
}

// NextTempID returns a negative id. Successive ids strictly increase, so
// sorting by id keeps local messages in send order.
func (g *Generator) NextTempID() (int64, error) {
	id, err := g.sf.NextID()
	if err != nil {
		return 0, fmt.Errorf("next id: %w", err)
	}
	tmp := int64(id) - math.MaxInt64
	if tmp >= 0 {
		return 0, fmt.Errorf("id space exhausted")
	}
	return tmp, nil
}

// NewCorrelationID returns a client message id that travels with a message
// until the server assigns its own id.
func NewCorrelationID() string {
	return uuid.NewString()
}
