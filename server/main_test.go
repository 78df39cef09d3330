package main

import (
	"flag"
	"testing"

	"github.com/docopt/docopt-go"

	"github.com/go-playground/assert/v2"
)

func TestApplyLogFlags(t *testing.T) {
	applyLogFlags(docopt.Opts{
		"--log_v":       "2",
		"--log_vmodule": "group=3",
	})
	assert.Equal(t, flag.Lookup("logtostderr").Value.String(), "true")
	assert.Equal(t, flag.Lookup("v").Value.String(), "2")
	assert.Equal(t, flag.Lookup("vmodule").Value.String(), "group=3")

	// unset options leave the current values alone
	applyLogFlags(docopt.Opts{})
	assert.Equal(t, flag.Lookup("v").Value.String(), "2")
}
