package main

import (
	"context"
	"errors"
	"testing"

	"github.com/angelmondragon/stockledger/pkg/logger"
	"github.com/angelmondragon/stockledger/pkg/migrate"
)

func TestRunRejectsBadUsage(t *testing.T) {
	cases := []options{
		{cmd: "create"},
		{cmd: "redo"},
		{cmd: "to", version: "latest"},
	}
	for _, opts := range cases {
		err := run(context.Background(), logger.Nop(), opts)
		if !errors.Is(err, errUsage) {
			t.Fatalf("%+v: expected usage error, got %v", opts, err)
		}
	}
}

func TestRunCreateThenValidate(t *testing.T) {
	dir := t.TempDir()
	if err := run(context.Background(), logger.Nop(), options{cmd: "create", dir: dir, name: "add outlet index"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := run(context.Background(), logger.Nop(), options{cmd: "validate", dir: dir}); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestDirDefaults(t *testing.T) {
	if diskDir("") != migrate.DefaultDir || diskDir("x") != "x" {
		t.Fatalf("unexpected disk dir resolution")
	}
	if sourceFS("") == nil {
		t.Fatalf("embedded migrations should be the default source")
	}
}
