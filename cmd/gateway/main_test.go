package main

import (
    "testing"

    "github.com/pion/logging"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
    assert.Equal(t, logging.LogLevelDebug, parseLevel("DEBUG"))
    assert.Equal(t, logging.LogLevelWarn, parseLevel("warning"))
    assert.Equal(t, logging.LogLevelInfo, parseLevel(""))
    assert.Equal(t, logging.LogLevelInfo, parseLevel("bogus"))
}

func TestLoggerFactoryScopes(t *testing.T) {
    lf, ok := newLoggerFactory("debug").(*logging.DefaultLoggerFactory)
    require.True(t, ok)
    assert.Equal(t, logging.LogLevelWarn, lf.DefaultLogLevel)
    assert.Equal(t, logging.LogLevelDebug, lf.ScopeLevels["gateway"])
    assert.Equal(t, logging.LogLevelDebug, lf.ScopeLevels["session"])
}

func TestGetEnvInt(t *testing.T) {
    t.Setenv("CAMGW_TEST_PORT", "9001")
    assert.Equal(t, 9001, getEnvInt("CAMGW_TEST_PORT", 1))
    t.Setenv("CAMGW_TEST_PORT", "x")
    assert.Equal(t, 1, getEnvInt("CAMGW_TEST_PORT", 1))
    assert.Equal(t, "d", getEnv("CAMGW_TEST_UNSET", "d"))
}
