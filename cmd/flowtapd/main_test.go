package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowtap/flowtap/internal/binlogfeed"
	"github.com/flowtap/flowtap/internal/producer"
	"github.com/flowtap/flowtap/internal/replicator"
)

func TestExitCodeForBinlogRetentionLost(t *testing.T) {
	err := &binlogfeed.BinlogRetentionLostError{Cause: errors.New("boom")}
	assert.Equal(t, 2, exitCodeFor(err))
}

func TestExitCodeForWrappedBinlogRetentionLost(t *testing.T) {
	err := fmt.Errorf("replicator run failed: %w", &binlogfeed.BinlogRetentionLostError{Cause: errors.New("boom")})
	assert.Equal(t, 2, exitCodeFor(err))
}

func TestExitCodeForTerminalErrorIsGenericError(t *testing.T) {
	err := &replicator.TerminalError{Cause: errors.New("boom")}
	assert.Equal(t, 1, exitCodeFor(err))
}

func TestExitCodeForOtherErrorsIsGenericError(t *testing.T) {
	assert.Equal(t, 1, exitCodeFor(errors.New("bad flag")))
}

func TestBuildProducerMemory(t *testing.T) {
	p, err := buildProducer("memory")
	require.NoError(t, err)
	_, ok := p.(*producer.Memory)
	assert.True(t, ok)
}

func TestBuildProducerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.ndjson")
	p, err := buildProducer("file:" + path)
	require.NoError(t, err)
	_, ok := p.(*producer.File)
	assert.True(t, ok)
	require.NoError(t, p.Close())
}

func TestBuildProducerUnrecognized(t *testing.T) {
	_, err := buildProducer("kafka:topic")
	assert.Error(t, err)
}
