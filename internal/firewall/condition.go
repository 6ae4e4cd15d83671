package firewall

import "time"

// Condition gates a rule entry at compile time. All present conditions must
// hold.
type Condition struct {
	window *TimeWindow
}

// ParseCondition accepts either a time window string or a mapping with a
// "timewindow" key.
func ParseCondition(raw any) (*Condition, error) {
	switch v := raw.(type) {
	case string:
		tw, err := ParseTimeWindow(v)
		if err != nil {
			return nil, err
		}
		return &Condition{window: tw}, nil
	case map[string]any:
		c := &Condition{}
		for _, key := range sortedKeys(v) {
			switch key {
			case "timewindow":
				s, ok := v[key].(string)
				if !ok {
					return nil, policyErrorf(ErrInvalidTimeWindow, "timewindow must be a string, got %T", v[key])
				}
				tw, err := ParseTimeWindow(s)
				if err != nil {
					return nil, err
				}
				c.window = tw
			default:
				return nil, policyErrorf(ErrUnknownField, "unknown condition %q", key)
			}
		}
		return c, nil
	default:
		return nil, policyErrorf(ErrUnknownField, "condition must be a string or mapping, got %T", raw)
	}
}

// Satisfied evaluates the condition at now.
func (c *Condition) Satisfied(now time.Time) bool {
	if c.window != nil && !c.window.Satisfied(now) {
		return false
	}
	return true
}
