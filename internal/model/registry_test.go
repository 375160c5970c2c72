// Copyright 2026 fanjia1024
// Tests for model registry

package model

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visual-search/internal/model/vision"
	"visual-search/pkg/config"
)

func TestGetVision_NotRegistered(t *testing.T) {
	_, err := GetVision("non-existent-vision")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestVisionProviders_Builtin(t *testing.T) {
	providers := VisionProviders()
	assert.Contains(t, providers, "http")
	assert.Contains(t, providers, "stub")
}

func TestNewVision_Selection(t *testing.T) {
	e, c, err := NewVision(config.VisionConfig{}, 8)
	require.NoError(t, err)
	assert.Nil(t, e)
	assert.Nil(t, c)

	e, c, err = NewVision(config.VisionConfig{Stub: true}, 8)
	require.NoError(t, err)
	require.NotNil(t, e)
	require.NotNil(t, c)
	v, err := e.Extract(context.Background(), []byte("img"))
	require.NoError(t, err)
	assert.Len(t, v, 8)

	e, _, err = NewVision(config.VisionConfig{Endpoint: "http://127.0.0.1:1"}, 8)
	require.NoError(t, err)
	assert.IsType(t, &vision.HTTPClient{}, e)

	_, _, err = NewVision(config.VisionConfig{Provider: "onnx"}, 8)
	assert.Error(t, err)
}

type failingExtractor struct{}

func (failingExtractor) Name() string { return "failing" }
func (failingExtractor) Extract(ctx context.Context, image []byte) ([]float32, error) {
	return nil, errors.New("boom")
}

func TestRegisterVision_Custom(t *testing.T) {
	RegisterVision("test-failing", func(cfg config.VisionConfig, dimension int) (vision.Extractor, vision.Classifier, error) {
		return failingExtractor{}, nil, nil
	})
	e, c, err := NewVision(config.VisionConfig{Provider: "test-failing"}, 4)
	require.NoError(t, err)
	assert.Nil(t, c)
	_, err = e.Extract(context.Background(), nil)
	assert.EqualError(t, err, "boom")
}
