// Copyright 2023 CeresDB Project Authors. Licensed under Apache-2.0.

package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/CeresDB/ceresdb-catalog/pkg/log"
)

const (
	defaultNodeNamePrefix = "catalogd"

	defaultEtcdEndpoints     = "http://127.0.0.1:2379"
	defaultEtcdDialTimeoutMs = 5 * 1000
	defaultEtcdCallTimeoutMs = 5 * 1000
	defaultRootPath          = "/ceresdb-catalog"

	defaultScanBatchSize    = 100
	defaultIDAllocStep      = 20
	defaultCatchupTimeoutMs = 2 * 1000

	defaultSyncIntervalMs       int64 = 10 * 1000
	defaultSyncBackoffBaseMs    int64 = 1000
	defaultSyncBackoffMaxMs     int64 = 32 * 1000
	defaultMutationBackoffBase  int64 = 1000
	defaultMutationBackoffMaxMs int64 = 10 * 1000
	defaultMutationMaxAttempts        = 3
)

type Config struct {
	Log log.Config `toml:"log" json:"log"`

	NodeName string `toml:"node-name" json:"node-name"`

	// EtcdEndpoints is a comma separated list of the authority's endpoints.
	EtcdEndpoints     string `toml:"etcd-endpoints" json:"etcd-endpoints"`
	EtcdDialTimeoutMs int64  `toml:"etcd-dial-timeout-ms" json:"etcd-dial-timeout-ms"`
	EtcdCallTimeoutMs int64  `toml:"etcd-call-timeout-ms" json:"etcd-call-timeout-ms"`
	RootPath          string `toml:"root-path" json:"root-path"`

	ScanBatchSize    int   `toml:"scan-batch-size" json:"scan-batch-size"`
	IDAllocStep      uint  `toml:"id-alloc-step" json:"id-alloc-step"`
	CatchupTimeoutMs int64 `toml:"catchup-timeout-ms" json:"catchup-timeout-ms"`

	SyncIntervalMs        int64 `toml:"sync-interval-ms" json:"sync-interval-ms"`
	SyncBackoffBaseMs     int64 `toml:"sync-backoff-base-ms" json:"sync-backoff-base-ms"`
	SyncBackoffMaxMs      int64 `toml:"sync-backoff-max-ms" json:"sync-backoff-max-ms"`
	MutationBackoffBaseMs int64 `toml:"mutation-backoff-base-ms" json:"mutation-backoff-base-ms"`
	MutationBackoffMaxMs  int64 `toml:"mutation-backoff-max-ms" json:"mutation-backoff-max-ms"`
	MutationMaxAttempts   int   `toml:"mutation-max-attempts" json:"mutation-max-attempts"`
}

func (c *Config) Endpoints() []string {
	return strings.Split(c.EtcdEndpoints, ",")
}

func (c *Config) EtcdDialTimeout() time.Duration {
	return time.Duration(c.EtcdDialTimeoutMs) * time.Millisecond
}

func (c *Config) EtcdCallTimeout() time.Duration {
	return time.Duration(c.EtcdCallTimeoutMs) * time.Millisecond
}

func (c *Config) CatchupTimeout() time.Duration {
	return time.Duration(c.CatchupTimeoutMs) * time.Millisecond
}

func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalMs) * time.Millisecond
}

// ValidateAndAdjust validates the config fields and adjusts some fields which
// should be adjusted. Return error if any field is invalid.
func (c *Config) ValidateAndAdjust() error {
	if len(c.EtcdEndpoints) == 0 {
		return ErrInvalidConfig.WithCausef("etcd endpoints must not be empty")
	}
	if c.SyncIntervalMs <= 0 {
		return ErrInvalidConfig.WithCausef("sync interval must be positive, got:%d", c.SyncIntervalMs)
	}
	if c.MutationMaxAttempts <= 0 {
		return ErrInvalidConfig.WithCausef("mutation max attempts must be positive, got:%d", c.MutationMaxAttempts)
	}
	if c.SyncBackoffBaseMs <= 0 || c.SyncBackoffMaxMs < c.SyncBackoffBaseMs {
		return ErrInvalidConfig.WithCausef("sync backoff must satisfy 0 < base <= max, base:%d, max:%d", c.SyncBackoffBaseMs, c.SyncBackoffMaxMs)
	}
	if c.MutationBackoffBaseMs <= 0 || c.MutationBackoffMaxMs < c.MutationBackoffBaseMs {
		return ErrInvalidConfig.WithCausef("mutation backoff must satisfy 0 < base <= max, base:%d, max:%d", c.MutationBackoffBaseMs, c.MutationBackoffMaxMs)
	}
	if c.ScanBatchSize <= 0 {
		c.ScanBatchSize = defaultScanBatchSize
	}
	if c.IDAllocStep == 0 {
		c.IDAllocStep = defaultIDAllocStep
	}
	return nil
}

// Parser builds the config from the flags.
type Parser struct {
	flagSet *flag.FlagSet
	cfg     *Config
}

func (p *Parser) Parse(arguments []string) (*Config, error) {
	if err := p.flagSet.Parse(arguments); err != nil {
		if err == flag.ErrHelp {
			return nil, ErrHelpRequested.WithCause(err)
		}
		return nil, ErrInvalidCommandArgs.WithCausef("original arguments:%v, parse err:%v", arguments, err)
	}

	return p.cfg, nil
}

func makeDefaultNodeName() (string, error) {
	host, err := os.Hostname()
	if err != nil {
		return "", ErrRetrieveHostname.WithCause(err)
	}

	return fmt.Sprintf("%s-%s", defaultNodeNamePrefix, host), nil
}

func MakeConfigParser() (*Parser, error) {
	fs, cfg := flag.NewFlagSet("catalogd", flag.ContinueOnError), &Config{}
	builder := &Parser{
		flagSet: fs,
		cfg:     cfg,
	}

	fs.StringVar(&cfg.Log.Level, "log-level", log.DefaultLogLevel, "level of the log")
	fs.StringVar(&cfg.Log.File, "log-file", log.DefaultLogFile, "file for log output")

	defaultNodeName, err := makeDefaultNodeName()
	if err != nil {
		return nil, err
	}
	fs.StringVar(&cfg.NodeName, "node-name", defaultNodeName, "name of this node in logs")

	fs.StringVar(&cfg.EtcdEndpoints, "etcd-endpoints", defaultEtcdEndpoints, "comma separated endpoints of the metadata authority")
	fs.Int64Var(&cfg.EtcdDialTimeoutMs, "etcd-dial-timeout-ms", defaultEtcdDialTimeoutMs, "timeout for dialing the metadata authority")
	fs.Int64Var(&cfg.EtcdCallTimeoutMs, "etcd-call-timeout-ms", defaultEtcdCallTimeoutMs, "timeout for single calls to the metadata authority")
	fs.StringVar(&cfg.RootPath, "root-path", defaultRootPath, "key prefix of the catalog data in the authority")

	fs.IntVar(&cfg.ScanBatchSize, "scan-batch-size", defaultScanBatchSize, "page size of full listings")
	fs.UintVar(&cfg.IDAllocStep, "id-alloc-step", defaultIDAllocStep, "size of table id blocks claimed from the authority")
	fs.Int64Var(&cfg.CatchupTimeoutMs, "catchup-timeout-ms", defaultCatchupTimeoutMs, "max time an incremental listing may spend catching up")

	fs.Int64Var(&cfg.SyncIntervalMs, "sync-interval-ms", defaultSyncIntervalMs, "interval between background sync passes")
	fs.Int64Var(&cfg.SyncBackoffBaseMs, "sync-backoff-base-ms", defaultSyncBackoffBaseMs, "base delay between failed sync passes")
	fs.Int64Var(&cfg.SyncBackoffMaxMs, "sync-backoff-max-ms", defaultSyncBackoffMaxMs, "max delay between failed sync passes")
	fs.Int64Var(&cfg.MutationBackoffBaseMs, "mutation-backoff-base-ms", defaultMutationBackoffBase, "base delay between retried mutations")
	fs.Int64Var(&cfg.MutationBackoffMaxMs, "mutation-backoff-max-ms", defaultMutationBackoffMaxMs, "max delay between retried mutations")
	fs.IntVar(&cfg.MutationMaxAttempts, "mutation-max-attempts", defaultMutationMaxAttempts, "attempts per caller-blocking mutation")

	return builder, nil
}
