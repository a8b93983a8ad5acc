package membership

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Marker is the payload of a silence node. Only the node's existence is
// authoritative; the payload is informational and may be missing.
type Marker struct {
	Server    string    `msgpack:"server" json:"server"`
	Owner     string    `msgpack:"owner" json:"owner"`
	ClaimedAt time.Time `msgpack:"claimed_at" json:"claimed_at"`
	Planned   bool      `msgpack:"planned" json:"planned"`
}

func EncodeMarker(m Marker) ([]byte, error) {
	data, err := msgpack.Marshal(&m)
	if err != nil {
		return nil, fmt.Errorf("encode marker for %s: %w", m.Server, err)
	}
	return data, nil
}

func DecodeMarker(data []byte) (Marker, error) {
	var m Marker
	if len(data) == 0 {
		return m, fmt.Errorf("empty marker payload")
	}
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return Marker{}, fmt.Errorf("decode marker: %w", err)
	}
	return m, nil
}
