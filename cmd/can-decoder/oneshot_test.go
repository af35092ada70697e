package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-can-decoder/internal/dbc"
	"github.com/kstaniek/go-can-decoder/internal/sample"
)

func TestRunOneShot(t *testing.T) {
	db, err := dbc.LoadFile("testdata/bus.dbc")
	require.NoError(t, err)
	var stdout, stderr bytes.Buffer
	cfg := &appConfig{frames: "100#1027000001000000, 00000300#C8", singleBit: "literal"}
	code := runOneShot(cfg, db, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	got, err := sample.Codec{}.ReadAll(&stdout)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "Value", got[0].Signal)
	require.InDelta(t, 100.0, got[0].Value, 1e-9)
	require.Equal(t, "Ready", got[1].Signal)
	require.Equal(t, 1.0, got[1].Value)
	require.Equal(t, "Body", got[2].Message)
	require.True(t, got[2].Extended)
	require.Equal(t, 100.0, got[2].Value)
}

func TestRunOneShotConstantSingleBit(t *testing.T) {
	db, err := dbc.LoadFile("testdata/bus.dbc")
	require.NoError(t, err)
	var stdout, stderr bytes.Buffer
	cfg := &appConfig{frames: "100#1027000000000000", singleBit: "constant"}
	require.Equal(t, 0, runOneShot(cfg, db, &stdout, &stderr))
	got, err := sample.Codec{}.ReadAll(&stdout)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, 1.0, got[1].Value)
	require.Equal(t, uint64(0), got[1].Raw)
}

func TestRunOneShotErrors(t *testing.T) {
	db, err := dbc.LoadFile("testdata/bus.dbc")
	require.NoError(t, err)
	var stdout, stderr bytes.Buffer
	cfg := &appConfig{frames: "zz#00,7FF#00,100#1027"}
	code := runOneShot(cfg, db, &stdout, &stderr)
	require.Equal(t, 1, code)
	errs := stderr.String()
	require.True(t, strings.Contains(errs, "zz#00"), errs)
	require.True(t, strings.Contains(errs, "7FF#00"), errs)
	require.True(t, strings.Contains(errs, "100#1027"), errs)
	// the partial frame still printed its decodable signal
	got, err := sample.Codec{}.ReadAll(&stdout)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "Value", got[0].Signal)
}

func TestRunOneShotBadSingleBitPolicy(t *testing.T) {
	db, err := dbc.LoadFile("testdata/bus.dbc")
	require.NoError(t, err)
	var stdout, stderr bytes.Buffer
	cfg := &appConfig{frames: "100#1027000001000000", singleBit: "sometimes"}
	require.Equal(t, 2, runOneShot(cfg, db, &stdout, &stderr))
	require.Zero(t, stdout.Len(), "nothing decoded with an unknown policy")
	require.Contains(t, stderr.String(), "sometimes")
}
