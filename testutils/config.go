/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package testutils

import (
	"os"
	"strings"
	"testing"
)

type Config struct {
	EtcdEndpoints []string
	EtcdPrefix    string
}

var globalTestConfig *Config

func GetTestConfig(t *testing.T) *Config {
	if globalTestConfig == nil {
		testConfig := &Config{
			EtcdEndpoints: []string{"localhost:2379"},
			EtcdPrefix:    "/gcstest",
		}

		envEtcd := os.Getenv("GCSTEST_ETCD")
		if envEtcd != "" {
			testConfig.EtcdEndpoints = strings.Split(envEtcd, ",")
		}

		envPrefix := os.Getenv("GCSTEST_ETCD_PREFIX")
		if envPrefix != "" {
			testConfig.EtcdPrefix = envPrefix
		}

		t.Logf("initialized test configuration")
		t.Logf("  etcd endpoints: %s", strings.Join(testConfig.EtcdEndpoints, ","))
		t.Logf("  etcd prefix: %s", testConfig.EtcdPrefix)

		globalTestConfig = testConfig
	}

	return globalTestConfig
}
