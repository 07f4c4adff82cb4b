package main

import (
	"io/ioutil"
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/youzan/zangeo/server"
)

func TestAppConfigParse(t *testing.T) {
	flagSet.Parse([]string{"-config", "./zangeo.example.conf", "-precision", "12"})

	opts, err := loadConfig()
	require.Nil(t, err)
	assert.Equal(t, server.EngTypeMem, opts.EngType)
	assert.Equal(t, 12381, opts.RedisAPIPort)
	assert.Equal(t, int32(2), opts.LogLevel)
	assert.Equal(t, "./data", opts.DataDir)
	assert.Equal(t, "d", opts.DataField)
	assert.Equal(t, 0.5, opts.CellSizeFactor)
	// the flag wins over the config file
	assert.Equal(t, 12, opts.Precision)
}

func TestAppEnvFile(t *testing.T) {
	dir, err := ioutil.TempDir("", "zangeo-env")
	require.Nil(t, err)
	defer os.RemoveAll(dir)
	f := path.Join(dir, ".env")
	require.Nil(t, ioutil.WriteFile(f, []byte("ZANGEO_TEST_ENV=on\n"), 0644))

	*envFile = f
	*config = ""
	defer func() { *envFile = "" }()
	opts, err := loadConfig()
	require.Nil(t, err)
	assert.Equal(t, "on", os.Getenv("ZANGEO_TEST_ENV"))
	assert.Equal(t, server.EngTypeMem, opts.EngType)

	*envFile = path.Join(dir, "missing.env")
	_, err = loadConfig()
	assert.NotNil(t, err)
}
