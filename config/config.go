// Package config loads the device/link configuration from an INI file:
// which serial port to open, at what line settings, and with which RTL
// tunables. Grounded on the teacher's config.go (same default-then-
// override-per-section parsing built on gopkg.in/ini.v1), generalized
// from one [section] per TCP listener to one [section] per device link.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// Default line and protocol settings, mirroring the teacher's constants.
const (
	DefaultBaudRate = 115200
	DefaultDataBits = 8
	DefaultStopBits = 1
	DefaultParity   = "N"

	DefaultDisplayFormat = "HEX"

	DefaultRequestTimeout    = 3000 * time.Millisecond
	DefaultTimeoutResolution = 50 * time.Millisecond
	DefaultMaxPending        = 3
	DefaultAckTimeout        = 500 * time.Millisecond
	DefaultMaxRetries        = 3
)

// Link describes one serial device and the RTL tunables to run over it.
type Link struct {
	Name          string
	SerialPort    string
	BaudRate      int
	DataBits      int
	StopBits      int
	Parity        string
	DisplayFormat string

	RequestTimeout    time.Duration
	TimeoutResolution time.Duration
	MaxPending        int
	AckTimeout        time.Duration
	MaxRetries        int
}

// Config is the full set of configured links.
type Config struct {
	Links []*Link
}

// Load reads cfg from path. A missing file yields an empty, valid
// Config rather than an error, matching the teacher's Load.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	iniCfg, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}

	for _, section := range iniCfg.Sections() {
		if section.Name() == "DEFAULT" || section.Name() == "" {
			continue
		}
		link, err := parseLinkSection(section)
		if err != nil {
			return nil, fmt.Errorf("config: section [%s]: %w", section.Name(), err)
		}
		if link != nil {
			cfg.Links = append(cfg.Links, link)
		}
	}
	return cfg, nil
}

func parseLinkSection(section *ini.Section) (*Link, error) {
	serialPort := section.Key("serial_port").String()
	if serialPort == "" {
		return nil, nil
	}

	link := &Link{
		Name:              section.Name(),
		SerialPort:        serialPort,
		BaudRate:          DefaultBaudRate,
		DataBits:          DefaultDataBits,
		StopBits:          DefaultStopBits,
		Parity:            DefaultParity,
		DisplayFormat:     DefaultDisplayFormat,
		RequestTimeout:    DefaultRequestTimeout,
		TimeoutResolution: DefaultTimeoutResolution,
		MaxPending:        DefaultMaxPending,
		AckTimeout:        DefaultAckTimeout,
		MaxRetries:        DefaultMaxRetries,
	}

	if v, err := section.Key("baud_rate").Int(); err == nil && v > 0 {
		link.BaudRate = v
	}
	if v, err := section.Key("data_bits").Int(); err == nil && v > 0 {
		link.DataBits = v
	}
	if v, err := section.Key("stop_bits").Int(); err == nil && v > 0 {
		link.StopBits = v
	}
	if v := section.Key("parity").String(); v != "" {
		link.Parity = strings.ToUpper(v)
	}
	if v := section.Key("display_format").String(); v != "" {
		link.DisplayFormat = strings.ToUpper(v)
	}
	if v, err := section.Key("request_timeout_ms").Int(); err == nil && v > 0 {
		link.RequestTimeout = time.Duration(v) * time.Millisecond
	}
	if v, err := section.Key("timeout_resolution_ms").Int(); err == nil && v > 0 {
		link.TimeoutResolution = time.Duration(v) * time.Millisecond
	}
	if v, err := section.Key("max_pending").Int(); err == nil && v > 0 {
		link.MaxPending = v
	}
	if v, err := section.Key("ack_timeout_ms").Int(); err == nil && v > 0 {
		link.AckTimeout = time.Duration(v) * time.Millisecond
	}
	if v, err := section.Key("max_retries").Int(); err == nil && v >= 0 {
		link.MaxRetries = v
	}

	return link, nil
}

// FindByName returns the configured link with the given section name.
func (c *Config) FindByName(name string) *Link {
	for _, l := range c.Links {
		if l.Name == name {
			return l
		}
	}
	return nil
}
