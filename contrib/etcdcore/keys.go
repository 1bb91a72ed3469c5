package etcdcore

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/couchbase/stellar-gcs/gcs/nodes"
)

// keyspace is the layout of one group under the key prefix:
//
//	<prefix>/<group hash>/config           the configuration, no lease
//	<prefix>/<group hash>/alive/<address>  member uuid, on the session lease
//	<prefix>/<group hash>/msgs/<id>        a proposed message, short lease
type keyspace struct {
	root string
}

func newKeyspace(prefix string, groupHash uint32) keyspace {
	return keyspace{root: fmt.Sprintf("%s/%08x", strings.TrimSuffix(prefix, "/"), groupHash)}
}

func (k keyspace) prefix() string {
	return k.root + "/"
}

func (k keyspace) config() string {
	return k.root + "/config"
}

func (k keyspace) alivePrefix() string {
	return k.root + "/alive/"
}

func (k keyspace) alive(address string) string {
	return k.alivePrefix() + address
}

func (k keyspace) msgPrefix() string {
	return k.root + "/msgs/"
}

func (k keyspace) msg(id string) string {
	return k.msgPrefix() + id
}

type configNode struct {
	Address string `json:"address"`
	UUID    string `json:"uuid"`
}

type configDoc struct {
	Nodes []configNode `json:"nodes"`
}

func encodeConfig(config []nodes.NodeInfo) (string, error) {
	doc := configDoc{}
	for _, n := range config {
		doc.Nodes = append(doc.Nodes, configNode{Address: n.Address, UUID: n.UUID})
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeConfig(data []byte) ([]nodes.NodeInfo, error) {
	var doc configDoc
	err := json.Unmarshal(data, &doc)
	if err != nil {
		return nil, err
	}

	config := make([]nodes.NodeInfo, 0, len(doc.Nodes))
	for i, n := range doc.Nodes {
		config = append(config, nodes.NodeInfo{
			Address: n.Address,
			UUID:    n.UUID,
			Index:   uint32(i),
		})
	}
	return config, nil
}

type messageDoc struct {
	Origin  string `json:"origin"`
	UUID    string `json:"uuid"`
	Payload []byte `json:"payload"`
}

func encodeMessage(origin nodes.Member, payload []byte) (string, error) {
	data, err := json.Marshal(messageDoc{
		Origin:  origin.Address,
		UUID:    origin.UUID,
		Payload: payload,
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeMessage(data []byte) (*messageDoc, error) {
	var doc messageDoc
	err := json.Unmarshal(data, &doc)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}
