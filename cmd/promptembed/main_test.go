package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/promptembed/internal/config"
	"github.com/xxxsen/promptembed/internal/prompt"
	"github.com/xxxsen/promptembed/internal/service"
)

func TestBuildEncoder(t *testing.T) {
	cfg := config.Default()
	cfg.Encoder.Hash.Dims = []int{8, 4}
	enc, fragments, err := buildEncoder(&cfg, nil)
	require.NoError(t, err)
	require.Nil(t, fragments)
	require.Equal(t, 2, enc.Capabilities().Encoders)

	cfg.Encoder.Provider = "remote"
	cfg.Encoder.Remote = config.RemoteConfig{
		Dim:       4,
		Providers: []config.EmbedProviderItem{{Provider: "nope", Model: "m"}},
	}
	_, _, err = buildEncoder(&cfg, nil)
	require.Error(t, err)

	cfg.Encoder.Provider = "clip"
	_, _, err = buildEncoder(&cfg, nil)
	require.Error(t, err)
}

func TestBuildServiceWithFragmentCache(t *testing.T) {
	cfg := config.Default()
	cfg.Encoder.Provider = "remote"
	cfg.Encoder.Remote = config.RemoteConfig{
		Dim:             4,
		Providers:       []config.EmbedProviderItem{{Provider: "openai", Model: "small", Data: map[string]string{}}},
		VectorCacheSize: 16,
		VectorCacheTTL:  60,
	}
	require.NoError(t, cfg.Validate())
	prompts, err := buildService(&cfg, nil)
	require.NoError(t, err)
	st, ok := prompts.FragmentStats()
	require.True(t, ok)
	require.Equal(t, 16, st.Capacity)

	cfg.Encoder.Remote.VectorCacheSize = 0
	prompts, err = buildService(&cfg, nil)
	require.NoError(t, err)
	_, ok = prompts.FragmentStats()
	require.False(t, ok)
}

func TestWriteSections(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	prompts, err := buildService(cfg, nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	encoders, err := prompts.Parse(context.Background(), "a (cat:1.3) BREAK dog")
	require.NoError(t, err)
	writeSections(&buf, encoders)
	out := buf.String()
	require.Contains(t, out, "1.300")
	require.Contains(t, out, "BREAK")
	require.Contains(t, out, `" dog"`)
}

func TestWriteSchedule(t *testing.T) {
	var buf bytes.Buffer
	writeSchedule(&buf, prompt.CompileSchedule("[cat:dog:0.5]", 10), 10)
	require.Contains(t, buf.String(), "0-4")
	require.Contains(t, buf.String(), "5-9")

	buf.Reset()
	writeSchedule(&buf, prompt.CompileSchedule("cat", 10), 10)
	require.Equal(t, "constant: cat\n", buf.String())
}

func TestWriteEmbed(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	prompts, err := buildService(cfg, nil)
	require.NoError(t, err)
	res, err := prompts.Embed(context.Background(), service.EmbedRequest{})
	require.Error(t, err)
	require.Nil(t, res)

	req := service.EmbedRequest{}
	req.Prompts = repeatText("cat", 3)
	req.Steps = 10
	res, err = prompts.Embed(context.Background(), req)
	require.NoError(t, err)
	var buf bytes.Buffer
	writeEmbed(&buf, res)
	require.Contains(t, buf.String(), "collapsed")
	require.Contains(t, buf.String(), "prompt_embeds")
	require.Contains(t, buf.String(), "[3 77 16]")
}
