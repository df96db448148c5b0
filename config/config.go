// config.go - Veilpost client configuration.
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

// Package config implements the veilpost client configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/veilpost/veilpost/core/log"
	"github.com/veilpost/veilpost/transport"
)

const (
	defaultLogLevel = "NOTICE"

	defaultGateShortWait   = 15
	defaultGateSendWait    = 60
	defaultGatePublishWait = 180

	defaultRetryBaseSeconds = 15
	defaultRetryMaxSeconds  = 900
	defaultRetryBudget      = 10

	defaultCoverAverageDelay = 30000
	defaultCoverMaxDelay     = 120000

	defaultAckJitterMean = 400
	defaultAckJitterMax  = 800
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl
	return nil
}

// Gate is the transport readiness gate configuration, in seconds.
type Gate struct {
	// ShortWait bounds interactive waits for the gate to open.
	ShortWait int

	// SendWait bounds message transmission waits.
	SendWait int

	// PublishWait bounds long publication waits.
	PublishWait int
}

func (gCfg *Gate) applyDefaults() {
	if gCfg.ShortWait <= 0 {
		gCfg.ShortWait = defaultGateShortWait
	}
	if gCfg.SendWait <= 0 {
		gCfg.SendWait = defaultGateSendWait
	}
	if gCfg.PublishWait <= 0 {
		gCfg.PublishWait = defaultGatePublishWait
	}
}

// Delivery configures the wake protocol's retry and ack behavior.
type Delivery struct {
	// RetryBaseSeconds is the first retry backoff interval.
	RetryBaseSeconds int

	// RetryMaxSeconds caps the exponential backoff.
	RetryMaxSeconds int

	// RetryBudget is the number of retries before a delivery is
	// surfaced as failed.
	RetryBudget int

	// AckJitterMeanMilliseconds is the mean of the random delay
	// added before each ack send.
	AckJitterMeanMilliseconds int

	// AckJitterMaxMilliseconds caps the ack delay.
	AckJitterMaxMilliseconds int
}

func (dCfg *Delivery) validate() error {
	if dCfg.RetryBaseSeconds <= 0 {
		dCfg.RetryBaseSeconds = defaultRetryBaseSeconds
	}
	if dCfg.RetryMaxSeconds <= 0 {
		dCfg.RetryMaxSeconds = defaultRetryMaxSeconds
	}
	if dCfg.RetryMaxSeconds < dCfg.RetryBaseSeconds {
		return errors.New("config: Delivery: RetryMaxSeconds below RetryBaseSeconds")
	}
	if dCfg.RetryBudget <= 0 {
		dCfg.RetryBudget = defaultRetryBudget
	}
	if dCfg.AckJitterMeanMilliseconds <= 0 {
		dCfg.AckJitterMeanMilliseconds = defaultAckJitterMean
	}
	if dCfg.AckJitterMaxMilliseconds <= 0 {
		dCfg.AckJitterMaxMilliseconds = defaultAckJitterMax
	}
	if dCfg.AckJitterMaxMilliseconds < dCfg.AckJitterMeanMilliseconds {
		return errors.New("config: Delivery: AckJitterMaxMilliseconds below mean")
	}
	return nil
}

// Cover configures cover traffic emission.
type Cover struct {
	// Disable disables cover traffic entirely.
	Disable bool

	// AverageDelayMilliseconds is the mean inter-frame delay.
	AverageDelayMilliseconds int

	// MaxDelayMilliseconds caps the inter-frame delay.
	MaxDelayMilliseconds int
}

func (cCfg *Cover) validate() error {
	if cCfg.AverageDelayMilliseconds <= 0 {
		cCfg.AverageDelayMilliseconds = defaultCoverAverageDelay
	}
	if cCfg.MaxDelayMilliseconds <= 0 {
		cCfg.MaxDelayMilliseconds = defaultCoverMaxDelay
	}
	if cCfg.MaxDelayMilliseconds < cCfg.AverageDelayMilliseconds {
		return errors.New("config: Cover: MaxDelayMilliseconds below average")
	}
	return nil
}

// Listen maps our derived service addresses to the local TCP
// endpoints the anonymity daemon forwards them to.
type Listen struct {
	// MessageInbound is the local bind for the message-inbound
	// service.
	MessageInbound string

	// RequestInbound is the local bind for the request-inbound
	// service.
	RequestInbound string
}

func (lCfg *Listen) validate() error {
	if lCfg.MessageInbound == "" || lCfg.RequestInbound == "" {
		return errors.New("config: Listen: both MessageInbound and RequestInbound are required")
	}
	return nil
}

// Config is the top level veilpost configuration.
type Config struct {
	// DataDir is the directory holding the delivery spool and
	// contact state.
	DataDir string

	Logging       *Logging
	UpstreamProxy *transport.SOCKSConfig
	Listen        *Listen
	Gate          *Gate
	Delivery      *Delivery
	Cover         *Cover
}

// FixupAndValidate applies defaults to config entries and validates
// the supplied configuration.
func (c *Config) FixupAndValidate() error {
	if c.DataDir == "" {
		return errors.New("config: DataDir is missing")
	}
	if !filepath.IsAbs(c.DataDir) {
		return fmt.Errorf("config: DataDir '%v' is not an absolute path", c.DataDir)
	}

	if c.Logging == nil {
		c.Logging = &defaultLogging
	}
	if err := c.Logging.validate(); err != nil {
		return err
	}

	if c.UpstreamProxy != nil {
		if err := c.UpstreamProxy.FixupAndValidate(); err != nil {
			return err
		}
	}

	if c.Listen != nil {
		if err := c.Listen.validate(); err != nil {
			return err
		}
	}

	if c.Gate == nil {
		c.Gate = &Gate{}
	}
	c.Gate.applyDefaults()

	if c.Delivery == nil {
		c.Delivery = &Delivery{}
	}
	if err := c.Delivery.validate(); err != nil {
		return err
	}

	if c.Cover == nil {
		c.Cover = &Cover{}
	}
	return c.Cover.validate()
}

// InitLogBackend initializes the logging backend per the config.
func (c *Config) InitLogBackend() (*log.Backend, error) {
	f := c.Logging.File
	if !c.Logging.Disable && f != "" {
		if !filepath.IsAbs(f) {
			return nil, errors.New("config: log file path must be absolute path")
		}
	}
	return log.New(f, c.Logging.Level, c.Logging.Disable)
}

// Load parses and validates the provided buffer b as a config file
// body and returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns
// the Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
