package peerlink

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

type messageType string

const (
	msgTypeOffer     messageType = "offer"
	msgTypeAnswer    messageType = "answer"
	msgTypeCandidate messageType = "candidate"
)

// message is the signaling payload carried inside relay Signal calls.
type message struct {
	Type      messageType `json:"type"`
	SDP       string      `json:"sdp,omitempty"`
	Candidate string      `json:"candidate,omitempty"` // JSON-encoded ICECandidateInit
}

func candidateMessage(c *webrtc.ICECandidate) (message, error) {
	data, err := json.Marshal(c.ToJSON())
	if err != nil {
		return message{}, err
	}
	return message{Type: msgTypeCandidate, Candidate: string(data)}, nil
}

func (m message) candidate() (webrtc.ICECandidateInit, error) {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(m.Candidate), &init); err != nil {
		return init, fmt.Errorf("decode candidate: %w", err)
	}
	return init, nil
}

func decodeMessage(payload []byte) (message, error) {
	var m message
	if err := json.Unmarshal(payload, &m); err != nil {
		return m, fmt.Errorf("decode signal: %w", err)
	}
	switch m.Type {
	case msgTypeOffer, msgTypeAnswer, msgTypeCandidate:
		return m, nil
	default:
		return m, fmt.Errorf("unknown signal type %q", m.Type)
	}
}
