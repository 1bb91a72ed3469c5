/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package netutils

import (
	"net"
	"strconv"

	"github.com/pkg/errors"
)

func IsInAddrAny(addr string) bool {
	return addr == "" || addr == "::" || addr == "::/0" || addr == "0.0.0.0"
}

// GetOutboundIP finds the local address used to reach the outside world. No
// packet is sent.
func GetOutboundIP() (net.IP, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return nil, errors.Wrap(err, "failed to determine outbound address")
	}
	defer conn.Close()

	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}

// GroupAddress is the host:port other group members know this node by. An
// explicit advertise host wins, then a specific bind address, then the
// outbound address of the machine.
func GroupAddress(advertiseHost string, bindAddress string, port int) (string, error) {
	host := advertiseHost
	if host == "" {
		if !IsInAddrAny(bindAddress) {
			host = bindAddress
		} else {
			outboundIP, err := GetOutboundIP()
			if err != nil {
				return "", err
			}
			host = outboundIP.String()
		}
	}

	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}
