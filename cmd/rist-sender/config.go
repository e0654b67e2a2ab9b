package main

import (
	"bytes"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/thesyncim/rist/pkg/rist"
)

// Config is the YAML configuration of rist-sender. Flags override it.
type Config struct {
	RemoteAddr  string `yaml:"remote_addr"`
	LocalAddr   string `yaml:"local_addr"`
	Port        int    `yaml:"port"`
	PayloadType uint8  `yaml:"payload_type"`
	ClockRate   uint32 `yaml:"clock_rate"`
	CNAME       string `yaml:"cname"`

	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`

	PPS         int `yaml:"pps"`
	PayloadSize int `yaml:"payload_size"`

	Cache struct {
		Capacity   int           `yaml:"capacity"`
		MaxRetries uint32        `yaml:"max_retries"`
		MaxAge     time.Duration `yaml:"max_age"`
	} `yaml:"cache"`

	RTTTimeout       time.Duration `yaml:"rtt_timeout"`
	ReportInterval   time.Duration `yaml:"report_interval"`
	EchoInterval     time.Duration `yaml:"echo_interval"`
	EchoPaddingWords uint32        `yaml:"echo_padding_words"`
}

// DefaultConfig mirrors rist.DefaultSenderConfig with 7 TS packets per
// datagram at 1000 pps.
func DefaultConfig() Config {
	d := rist.DefaultSenderConfig()
	c := Config{
		RemoteAddr:       d.RemoteHost,
		LocalAddr:        "0.0.0.0",
		Port:             int(d.Port),
		PayloadType:      d.PayloadType,
		ClockRate:        d.ClockRate,
		CNAME:            d.CNAME,
		LogLevel:         "info",
		PPS:              1000,
		PayloadSize:      7 * 188,
		RTTTimeout:       d.RTT.Timeout,
		ReportInterval:   d.ReportInterval,
		EchoInterval:     d.EchoInterval,
		EchoPaddingWords: d.EchoPaddingWords,
	}
	c.Cache.Capacity = d.Cache.Capacity
	c.Cache.MaxRetries = d.Cache.MaxRetries
	c.Cache.MaxAge = d.Cache.MaxAge
	return c
}

// LoadConfig reads path over the defaults. Unknown keys are rejected. An
// empty path returns the defaults.
func LoadConfig(path string) (Config, error) {
	conf := DefaultConfig()
	if path == "" {
		return conf, nil
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return conf, errors.Wrap(err, "could not read config")
	}
	if err := decodeConfig(body, &conf); err != nil {
		return conf, errors.Wrapf(err, "could not parse config %s", path)
	}
	return conf, nil
}

func decodeConfig(body []byte, conf *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(body))
	decoder.KnownFields(true)
	if err := decoder.Decode(conf); err != nil {
		return err
	}
	return nil
}

// updateFromCLI applies the flags the user set explicitly.
func (c *Config) updateFromCLI(ctx *cli.Context) {
	if ctx.IsSet("remote-addr") {
		c.RemoteAddr = ctx.String("remote-addr")
	}
	if ctx.IsSet("local-addr") {
		c.LocalAddr = ctx.String("local-addr")
	}
	if ctx.IsSet("port") {
		c.Port = ctx.Int("port")
	}
	if ctx.IsSet("payload-type") {
		c.PayloadType = uint8(ctx.Uint("payload-type"))
	}
	if ctx.IsSet("clock-rate") {
		c.ClockRate = uint32(ctx.Uint("clock-rate"))
	}
	if ctx.IsSet("log-level") {
		c.LogLevel = ctx.String("log-level")
	}
	if ctx.IsSet("metrics-addr") {
		c.MetricsAddr = ctx.String("metrics-addr")
	}
	if ctx.IsSet("pps") {
		c.PPS = ctx.Int("pps")
	}
	if ctx.IsSet("payload-size") {
		c.PayloadSize = ctx.Int("payload-size")
	}
}

// SenderConfig converts the file configuration and validates it.
func (c Config) SenderConfig() (rist.SenderConfig, error) {
	port, err := rist.NewListenerPort(c.Port)
	if err != nil {
		return rist.SenderConfig{}, err
	}
	if c.PPS <= 0 {
		return rist.SenderConfig{}, errors.Errorf("pps must be positive, got %d", c.PPS)
	}
	if c.PayloadSize <= 0 || c.PayloadSize > 1500-12 {
		return rist.SenderConfig{}, errors.Errorf("payload size %d outside 1..1488", c.PayloadSize)
	}

	sc := rist.DefaultSenderConfig()
	sc.ClockRate = c.ClockRate
	sc.PayloadType = c.PayloadType
	sc.RemoteHost = c.RemoteAddr
	sc.Port = port
	sc.CNAME = c.CNAME
	sc.Cache = rist.RetransmissionCacheConfig{
		Capacity:   c.Cache.Capacity,
		MaxRetries: c.Cache.MaxRetries,
		MaxAge:     c.Cache.MaxAge,
	}
	sc.RTT.Timeout = c.RTTTimeout
	sc.ReportInterval = c.ReportInterval
	sc.EchoInterval = c.EchoInterval
	sc.EchoPaddingWords = c.EchoPaddingWords
	if err := sc.Validate(); err != nil {
		return rist.SenderConfig{}, errors.Wrap(err, "invalid sender config")
	}
	return sc, nil
}
