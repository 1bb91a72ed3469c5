package exchange

import (
	"encoding/json"

	"github.com/couchbase/stellar-gcs/gcs/nodes"
	"github.com/couchbase/stellar-gcs/gcs/protocol"
	"github.com/couchbase/stellar-gcs/gcs/view"
	"github.com/pkg/errors"
)

// State is the message each member broadcasts during an exchange.
type State struct {
	Round       nodes.Synod      `json:"round"`
	Member      nodes.Member     `json:"member"`
	ViewID      *view.ViewID     `json:"viewId,omitempty"`
	MaxProtocol protocol.Version `json:"maxProtocol"`
	Payload     []byte           `json:"payload,omitempty"`
}

func encodeState(s *State) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode exchange state")
	}
	return data, nil
}

func decodeState(data []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, "failed to decode exchange state")
	}
	return &s, nil
}
