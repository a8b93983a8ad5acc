package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMissingHostname = errors.New("server record has no server_address.hostname")

// EncodeServer serializes s into the wire record stored as node data.
func EncodeServer(s Server) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode server %s: %w", s.Name(), err)
	}
	return data, nil
}

// DecodeServer parses a wire record. A record without a hostname cannot be
// tracked and is rejected.
func DecodeServer(data []byte) (Server, error) {
	var s Server
	if err := json.Unmarshal(data, &s); err != nil {
		return Server{}, fmt.Errorf("decode server record: %w", err)
	}
	if s.Address.Hostname == "" {
		return Server{}, ErrMissingHostname
	}
	return s, nil
}
