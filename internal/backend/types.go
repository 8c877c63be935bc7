package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrValidation marks a request rejected before it reached the network.
var ErrValidation = errors.New("backend: validation failed")

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend: status %d", e.StatusCode)
	}
	return fmt.Sprintf("backend: status %d: %s", e.StatusCode, e.Body)
}

// BackendError is a 2xx response that reported a failure in its body.
type BackendError struct {
	Endpoint string
	Message  string
}

func (e *BackendError) Error() string {
	if e.Message == "" {
		return "backend: " + e.Endpoint + " reported an error"
	}
	return "backend: " + e.Endpoint + ": " + e.Message
}

// RoomInfo is the room descriptor returned by GetInfoChat. Ids arrive as
// strings or numbers.
type RoomInfo struct {
	Status      string `json:"chmStatus"`
	ClientID    string `json:"cliId"`
	UserID      string `json:"usuId"`
	OmbID       string `json:"ombId"`
	RoutingCode string `json:"afiCodigo"`
	Protocol    string `json:"ombProtocolo,omitempty"`
}

func (r *RoomInfo) UnmarshalJSON(data []byte) error {
	var wire struct {
		Status      string     `json:"chmStatus"`
		ClientID    flexString `json:"cliId"`
		UserID      flexString `json:"usuId"`
		OmbID       flexString `json:"ombId"`
		RoutingCode string     `json:"afiCodigo"`
		Protocol    flexString `json:"ombProtocolo"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*r = RoomInfo{
		Status:      wire.Status,
		ClientID:    wire.ClientID.String(),
		UserID:      wire.UserID.String(),
		OmbID:       wire.OmbID.String(),
		RoutingCode: wire.RoutingCode,
		Protocol:    wire.Protocol.String(),
	}
	return nil
}

// Finished reports whether the backend already closed the room.
func (r *RoomInfo) Finished() bool {
	return strings.EqualFold(strings.TrimSpace(r.Status), "F")
}

// RatingTip is the per-message rating code.
type RatingTip string

const (
	TipLike    RatingTip = "L"
	TipDislike RatingTip = "D"
	TipRemove  RatingTip = "R"
)

func (t RatingTip) Valid() bool {
	switch t {
	case TipLike, TipDislike, TipRemove:
		return true
	}
	return false
}

// SessionRating is end-of-session feedback: a star score or a yes/no answer
// to "was your demand resolved".
type SessionRating struct {
	OmbID    string
	Protocol string
	Stars    string
	Demand   string
}

func (r SessionRating) validate() error {
	if r.OmbID == "" && r.Protocol == "" {
		return fmt.Errorf("%w: missing required parameter x-OmbID or x-protocolo", ErrValidation)
	}
	switch {
	case r.Stars != "" && r.Demand != "":
		return fmt.Errorf("%w: stars and demand are mutually exclusive", ErrValidation)
	case r.Stars != "":
		n, err := strconv.Atoi(r.Stars)
		if err != nil || n < 1 || n > 5 {
			return fmt.Errorf("%w: stars must be 1..5, got %q", ErrValidation, r.Stars)
		}
	case r.Demand == "S" || r.Demand == "N":
	default:
		return fmt.Errorf("%w: demand must be S or N, got %q", ErrValidation, r.Demand)
	}
	return nil
}

// RatingResult is the PostAvaliacaoAtdFinalizado response.
type RatingResult struct {
	Errors  bool   `json:"erros"`
	Message string `json:"mensagem,omitempty"`
}

// flexString accepts JSON strings and numbers.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("backend: expected string or number, got %s", data)
	}
	*f = flexString(n.String())
	return nil
}

func (f flexString) String() string { return string(f) }
