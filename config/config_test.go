// config_test.go - Client configuration tests.
// Copyright (C) 2025  The veilpost authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	require := require.New(t)

	_, err := Load(nil)
	require.Error(err, "Load() with nil config")

	const basicConfig = `# A basic configuration example.
DataDir = "/var/lib/veilpost"

[Logging]
Level = "DEBUG"

[UpstreamProxy]
Type = "tor+socks5"
Network = "tcp"
Address = "127.0.0.1:9050"

[Delivery]
RetryBaseSeconds = 30
RetryBudget = 5

[Cover]
AverageDelayMilliseconds = 10000
MaxDelayMilliseconds = 60000
`

	cfg, err := Load([]byte(basicConfig))
	require.NoError(err, "Load() with basic config")
	require.Equal("DEBUG", cfg.Logging.Level)
	require.Equal(30, cfg.Delivery.RetryBaseSeconds)
	require.Equal(5, cfg.Delivery.RetryBudget)

	// Untouched sections pick up defaults.
	require.Equal(defaultGateSendWait, cfg.Gate.SendWait)
	require.Equal(defaultAckJitterMean, cfg.Delivery.AckJitterMeanMilliseconds)
	require.Equal(10000, cfg.Cover.AverageDelayMilliseconds)
}

func TestConfigRejections(t *testing.T) {
	require := require.New(t)

	// Relative DataDir.
	_, err := Load([]byte(`DataDir = "relative/path"`))
	require.Error(err)

	// Unknown keys are rejected.
	_, err = Load([]byte("DataDir = \"/var/lib/veilpost\"\nBogusKey = 1\n"))
	require.Error(err)

	// Bad log level.
	_, err = Load([]byte("DataDir = \"/var/lib/veilpost\"\n[Logging]\nLevel = \"SHOUTING\"\n"))
	require.Error(err)

	// Backoff cap below base.
	_, err = Load([]byte("DataDir = \"/var/lib/veilpost\"\n[Delivery]\nRetryBaseSeconds = 60\nRetryMaxSeconds = 30\n"))
	require.Error(err)
}
