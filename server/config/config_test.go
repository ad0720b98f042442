// Copyright 2023 CeresDB Project Authors. Licensed under Apache-2.0.

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	re := require.New(t)

	parser, err := MakeConfigParser()
	re.NoError(err)
	cfg, err := parser.Parse(nil)
	re.NoError(err)
	re.NoError(cfg.ValidateAndAdjust())

	re.Equal([]string{"http://127.0.0.1:2379"}, cfg.Endpoints())
	re.Equal("/ceresdb-catalog", cfg.RootPath)
	re.Equal(time.Second*10, cfg.SyncInterval())
	re.Equal(time.Second*5, cfg.EtcdCallTimeout())
	re.Equal(3, cfg.MutationMaxAttempts)
}

func TestConfigFlags(t *testing.T) {
	re := require.New(t)

	parser, err := MakeConfigParser()
	re.NoError(err)
	cfg, err := parser.Parse([]string{
		"-etcd-endpoints", "http://etcd-0:2379,http://etcd-1:2379",
		"-root-path", "/prod-catalog",
		"-sync-interval-ms", "2000",
		"-log-level", "debug",
	})
	re.NoError(err)
	re.NoError(cfg.ValidateAndAdjust())

	re.Equal([]string{"http://etcd-0:2379", "http://etcd-1:2379"}, cfg.Endpoints())
	re.Equal("/prod-catalog", cfg.RootPath)
	re.Equal(time.Second*2, cfg.SyncInterval())
	re.Equal("debug", cfg.Log.Level)
}

func TestConfigValidate(t *testing.T) {
	re := require.New(t)

	parser, err := MakeConfigParser()
	re.NoError(err)
	cfg, err := parser.Parse([]string{"-sync-interval-ms", "0"})
	re.NoError(err)
	re.Error(cfg.ValidateAndAdjust())

	_, err = parser.Parse([]string{"-no-such-flag"})
	re.Error(err)
}

func TestConfigRejectsBadBackoff(t *testing.T) {
	re := require.New(t)

	for _, args := range [][]string{
		{"-sync-backoff-max-ms", "0"},
		{"-sync-backoff-base-ms", "0"},
		{"-mutation-backoff-max-ms", "0"},
		{"-mutation-backoff-base-ms", "2000", "-mutation-backoff-max-ms", "1000"},
	} {
		parser, err := MakeConfigParser()
		re.NoError(err)
		cfg, err := parser.Parse(args)
		re.NoError(err)
		re.Errorf(cfg.ValidateAndAdjust(), "args:%v", args)
	}
}

func TestConfigAdjustsZeroBatchSize(t *testing.T) {
	re := require.New(t)

	parser, err := MakeConfigParser()
	re.NoError(err)
	cfg, err := parser.Parse([]string{"-scan-batch-size", "0"})
	re.NoError(err)
	re.NoError(cfg.ValidateAndAdjust())
	re.Equal(defaultScanBatchSize, cfg.ScanBatchSize)
}
