package gossip

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Knetic/govaluate"
)

// DefaultSharePolicy shares keys with our own verified devices and with
// devices the session was already shared with.
const DefaultSharePolicy = "own_device && verified || previously_shared"

// Facts describes the requesting device to the share policy.
type Facts struct {
	OwnDevice        bool
	Verified         bool
	PreviouslyShared bool
	UserID           string
	DeviceID         string
	RoomID           string
}

func (f Facts) params() map[string]interface{} {
	return map[string]interface{}{
		"own_device":        f.OwnDevice,
		"verified":          f.Verified,
		"previously_shared": f.PreviouslyShared,
		"user_id":           f.UserID,
		"device_id":         f.DeviceID,
		"room_id":           f.RoomID,
	}
}

// Policy decides whether a key request may be answered.
type Policy struct {
	source string
	expr   *govaluate.EvaluableExpression
}

// NewPolicy parses a share policy expression. An empty expression selects
// DefaultSharePolicy.
func NewPolicy(expression string) (*Policy, error) {
	src := strings.TrimSpace(expression)
	if src == "" {
		src = DefaultSharePolicy
	}
	expr, err := govaluate.NewEvaluableExpression(src)
	if err != nil {
		return nil, fmt.Errorf("parse share policy %q: %w", src, err)
	}
	p := &Policy{source: src, expr: expr}
	// Reject expressions that reference unknown variables up front.
	if _, err := p.Allows(Facts{}); err != nil {
		return nil, err
	}
	return p, nil
}

// String returns the expression.
func (p *Policy) String() string { return p.source }

// Allows evaluates the policy for a requesting device.
func (p *Policy) Allows(f Facts) (bool, error) {
	result, err := p.expr.Evaluate(f.params())
	if err != nil {
		return false, fmt.Errorf("evaluate share policy: %w", err)
	}
	switch v := result.(type) {
	case bool:
		return v, nil
	default:
		return false, errors.New("share policy did not evaluate to boolean")
	}
}
