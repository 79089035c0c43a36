package rtc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
)

var ErrInvalidOffer = errors.New("rtc: invalid offer")

// SessionDescription is a small DTO to avoid exposing webrtc types in transport.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Summary counts the media sections and ICE candidates of an SDP blob.
type Summary struct {
	Audio       int
	Video       int
	Application int
	Candidates  int
}

// Inspect parses raw SDP.
func Inspect(raw string) (Summary, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(raw)); err != nil {
		return Summary{}, err
	}
	var s Summary
	for _, m := range sd.MediaDescriptions {
		if m.MediaName.Port.Value == 0 {
			continue
		}
		switch m.MediaName.Media {
		case "audio":
			s.Audio++
		case "video":
			s.Video++
		case "application":
			s.Application++
		}
		for _, a := range m.Attributes {
			if a.Key == "candidate" {
				s.Candidates++
			}
		}
	}
	return s, nil
}

// ValidateOffer rejects offers that cannot start a voice session: wrong type,
// unparseable SDP or no active audio section.
func ValidateOffer(offer SessionDescription) error {
	if offer.Type != "" && offer.Type != "offer" {
		return fmt.Errorf("%w: type %q", ErrInvalidOffer, offer.Type)
	}
	if strings.TrimSpace(offer.SDP) == "" {
		return fmt.Errorf("%w: empty sdp", ErrInvalidOffer)
	}
	s, err := Inspect(offer.SDP)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}
	if s.Audio == 0 {
		return fmt.Errorf("%w: no audio media section", ErrInvalidOffer)
	}
	return nil
}
