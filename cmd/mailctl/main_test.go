package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRun(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	var out bytes.Buffer
	if err := run(ctx, rdb, []string{"test", "ops@example.com"}, &out); err != nil {
		t.Fatalf("test: %v", err)
	}
	out.Reset()
	if err := run(ctx, rdb, []string{"length"}, &out); err != nil || strings.TrimSpace(out.String()) != "1" {
		t.Fatalf("length: %q %v", out.String(), err)
	}
	out.Reset()
	if err := run(ctx, rdb, []string{"peek", "5"}, &out); err != nil {
		t.Fatalf("peek: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "send_email\twelcome\tops@example.com" {
		t.Fatalf("unexpected peek output %q", got)
	}

	for _, args := range [][]string{nil, {"test", "nope"}, {"peek", "0"}, {"purge"}} {
		if err := run(ctx, rdb, args, &out); err == nil {
			t.Fatalf("%v: expected error", args)
		}
	}
}
