package hub

import (
	"encoding/json"
	"errors"
)

// PixelWrite is an inbound request to color one cell.
type PixelWrite struct {
	X     int
	Y     int
	Color int
}

// PixelEvent is broadcast to every live connection after a write is
// accepted.
type PixelEvent struct {
	Type  string `json:"type"`
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Color int    `json:"color"`
}

// ErrorMessage is sent only to the connection whose request was rejected.
type ErrorMessage struct {
	Error string `json:"error"`
}

var errMalformed = errors.New("malformed pixel write")

// ParsePixelWrite decodes {"x":..,"y":..,"color":..}. All three fields are
// required and must be integers.
func ParsePixelWrite(data []byte) (PixelWrite, error) {
	var raw struct {
		X     *int `json:"x"`
		Y     *int `json:"y"`
		Color *int `json:"color"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return PixelWrite{}, errors.Join(errMalformed, err)
	}
	if raw.X == nil || raw.Y == nil || raw.Color == nil {
		return PixelWrite{}, errMalformed
	}
	return PixelWrite{X: *raw.X, Y: *raw.Y, Color: *raw.Color}, nil
}

// Rejection is the local answer to a request that changed nothing.
// Reason is a stable label for metrics and logs; Message goes on the wire.
type Rejection struct {
	Reason  string
	Message string
}

var (
	RejectInvalid  = Rejection{Reason: "invalid", Message: "Invalid request"}
	RejectX        = Rejection{Reason: "bounds", Message: "x coordinate out of bounds"}
	RejectY        = Rejection{Reason: "bounds", Message: "y coordinate out of bounds"}
	RejectColor    = Rejection{Reason: "bounds", Message: "color out of range"}
	RejectCooldown = Rejection{Reason: "cooldown", Message: "Cooldown active"}
	RejectBusy     = Rejection{Reason: "busy", Message: "Server busy, try again"}
	RejectRate     = Rejection{Reason: "rate", Message: "Rate limit exceeded"}
	RejectClosed   = Rejection{Reason: "shutdown", Message: "Server restarting"}
)

func (r Rejection) payload() []byte {
	data, _ := json.Marshal(ErrorMessage{Error: r.Message})
	return data
}

// validate checks w against a width x height canvas with colors up to
// maxColor inclusive.
func (w PixelWrite) validate(width, height, maxColor int) (Rejection, bool) {
	switch {
	case w.X < 0 || w.X >= width:
		return RejectX, false
	case w.Y < 0 || w.Y >= height:
		return RejectY, false
	case w.Color < 0 || w.Color > maxColor:
		return RejectColor, false
	}
	return Rejection{}, true
}
