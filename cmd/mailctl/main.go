// Command mailctl inspects and feeds the email job queue consumed by the worker.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/supportdesk/helpdesk/internal/mailer"
)

const usage = "usage: mailctl length | peek [n] | test <email>"

func main() {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	if err := run(context.Background(), rdb, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, rdb *redis.Client, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	switch args[0] {
	case "length":
		n, err := rdb.LLen(ctx, mailer.QueueKey).Result()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, n)
	case "peek":
		n := int64(10)
		if len(args) > 1 {
			v, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || v < 1 {
				return fmt.Errorf("invalid count %q", args[1])
			}
			n = v
		}
		items, err := rdb.LRange(ctx, mailer.QueueKey, 0, n-1).Result()
		if err != nil {
			return err
		}
		for _, raw := range items {
			var job mailer.Job
			var ej mailer.EmailJob
			if json.Unmarshal([]byte(raw), &job) != nil || json.Unmarshal(job.Data, &ej) != nil {
				fmt.Fprintln(out, "malformed job")
				continue
			}
			fmt.Fprintf(out, "%s\t%s\t%s\n", job.Type, ej.Template, ej.To)
		}
	case "test":
		if len(args) < 2 || !mailer.ValidAddress(args[1]) {
			return errors.New("a valid recipient address is required")
		}
		j := mailer.EmailJob{To: args[1], Template: mailer.Welcome, Data: map[string]any{"Name": "Helpdesk admin", "URL": "http://localhost:3000"}}
		if err := mailer.NewQueue(rdb, nil).Enqueue(ctx, j); err != nil {
			return err
		}
		fmt.Fprintln(out, "queued")
	default:
		return errors.New(usage)
	}
	return nil
}
