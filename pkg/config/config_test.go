package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "train.data", cfg.Data.InfoFile)
	assert.Equal(t, 0.5, cfg.Data.SameProbability)
	assert.Equal(t, uint64(42), cfg.Train.Seed)
	assert.Equal(t, "adamw", cfg.Train.Optimizer.Name)
	assert.Equal(t, 0.85, cfg.Eval.SimilarityThreshold)
	assert.Equal(t, "linear", cfg.Encoder.Type)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFileAndEnv(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data:
  dir: /srv/pets
  same_probability: 0.7
train:
  batch_size: 8
  optimizer:
    name: sgd
    learning_rate: 0.05
    momentum: 0.9
`), 0644))
	viper.SetConfigFile(path)
	require.NoError(t, viper.ReadInConfig())

	t.Setenv("LOSTPAW_CHECKPOINT_DIR", "/tmp/ckpt")
	t.Setenv("SERVER_PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/srv/pets", cfg.Data.Dir)
	assert.Equal(t, 0.7, cfg.Data.SameProbability)
	assert.Equal(t, 8, cfg.Train.BatchSize)
	assert.Equal(t, "sgd", cfg.Train.Optimizer.Name)
	assert.Equal(t, 0.9, cfg.Train.Optimizer.Momentum)
	assert.Equal(t, "/tmp/ckpt", cfg.Checkpoint.Dir)
	assert.Equal(t, 9090, cfg.Server.Port)
	// untouched keys keep their defaults
	assert.Equal(t, 1.0, cfg.Train.Margin)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		viper.Reset()
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}
	t.Cleanup(viper.Reset)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad validation fraction", func(c *Config) { c.Data.ValidationFraction = 1 }},
		{"bad same probability", func(c *Config) { c.Data.SameProbability = 1.5 }},
		{"zero batch size", func(c *Config) { c.Train.BatchSize = 0 }},
		{"zero margin", func(c *Config) { c.Train.Margin = 0 }},
		{"zero learning rate", func(c *Config) { c.Train.Optimizer.LearningRate = 0 }},
		{"unknown encoder", func(c *Config) { c.Encoder.Type = "resnet" }},
		{"remote without url", func(c *Config) { c.Encoder.Type = "remote" }},
		{"mirror without bucket", func(c *Config) {
			c.Checkpoint.Mirror.Enabled = true
			c.Checkpoint.Mirror.Endpoint = "localhost:9000"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSnapshotOmitsCredentials(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	cfg, err := Load()
	require.NoError(t, err)
	cfg.Checkpoint.Mirror.SecretKey = "s3cr3t"
	cfg.Alert.Password = "hunter2"

	path := filepath.Join(t.TempDir(), "run", "config.yaml")
	require.NoError(t, cfg.WriteSnapshot(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "s3cr3t")
	assert.NotContains(t, string(data), "hunter2")

	back, err := ReadSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Train, back.Train)
	assert.Equal(t, cfg.Data, back.Data)
}
