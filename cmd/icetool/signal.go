package main

import (
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/hanalei/ice"
)

// Messages exchanged with the websocket rendezvous server. Both peers join
// the same room and relay credentials and trickled candidates through it.
type signalMessage struct {
	Type      string             `json:"type"` // "credentials" or "candidate"
	Ufrag     string             `json:"ufrag,omitempty"`
	Password  string             `json:"password,omitempty"`
	Candidate *ice.CandidateInit `json:"candidate,omitempty"`
}

type signaler struct {
	ws *websocket.Conn
}

func dialSignaler(rawURL, room string) (*signaler, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("room", room)
	u.RawQuery = q.Encode()

	ws, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, err
	}
	return &signaler{ws: ws}, nil
}

func (s *signaler) send(m signalMessage) error {
	return s.ws.WriteJSON(m)
}

func (s *signaler) read() (signalMessage, error) {
	var m signalMessage
	err := s.ws.ReadJSON(&m)
	return m, err
}

func (s *signaler) close() {
	s.ws.Close()
}
